package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"helixrun/internal/config"
	"helixrun/internal/ledger"
	"helixrun/internal/logging"
	"helixrun/internal/policy"
	"helixrun/internal/protocol"
	"helixrun/internal/session"
	"helixrun/internal/turn"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const (
	version    = "0.1.0"
	stopMarker = "__CLEON_STOP__"
)

// conversation is the part of session.Conversation the CLI drives.
type conversation interface {
	turn.Handle
	Configured() protocol.Event
	Close() error
}

// app holds the process boundary so commands can run against fakes.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	loadConfig      func() (config.Config, error)
	open            func(context.Context, session.Config, session.OpenRequest) (conversation, error)
	interrupts      func() (<-chan os.Signal, func())
	getwd           func() (string, error)
	stdinIsTerminal func() bool
}

func newApp() *app {
	return &app{
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		loadConfig: config.Load,
		open: func(ctx context.Context, cfg session.Config, req session.OpenRequest) (conversation, error) {
			return session.Open(ctx, cfg, req)
		},
		interrupts: func() (<-chan os.Signal, func()) {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, os.Interrupt)
			return ch, func() { signal.Stop(ch) }
		},
		getwd: os.Getwd,
		stdinIsTerminal: func() bool {
			fd := os.Stdin.Fd()
			return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		},
	}
}

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "helixrun: %v\n", err)
		os.Exit(1)
	}
}

type runOptions struct {
	resume         string
	nonInteractive bool
	jsonEvents     bool
	jsonResult     bool
}

func newRootCmd(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:           "helixrun [PROMPT]",
		Short:         "Run Codex turns with interactive approvals",
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("json-events") {
				opts.jsonEvents = cfg.JSONEvents
			}
			var prompt *string
			if len(args) == 1 {
				prompt = &args[0]
			}
			return a.runSession(cmd.Context(), cfg, prompt, opts)
		},
	}
	cmd.SetIn(a.stdin)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	flags := cmd.Flags()
	flags.StringVar(&opts.resume, "resume", "", "resume a saved session by ID")
	flags.BoolVar(&opts.nonInteractive, "non-interactive", false, "run a single turn and exit")
	flags.BoolVar(&opts.jsonEvents, "json-events", false, "stream every thread event as a JSON line")
	flags.BoolVar(&opts.jsonResult, "json-result", true, "print each turn result as a turn.result JSON line")

	cmd.AddCommand(newLoginCmd(a))
	cmd.AddCommand(newLogoutCmd(a))
	cmd.AddCommand(newStatusCmd(a))
	cmd.AddCommand(newSessionsCmd(a))
	return cmd
}

func (a *app) runSession(ctx context.Context, cfg config.Config, prompt *string, opts runOptions) error {
	logger := logging.New(a.stderr, cfg.LogLevel, cfg.LogFormat)

	var initial string
	if opts.nonInteractive {
		text, err := a.readPrompt(prompt)
		if err != nil {
			return err
		}
		initial = text
	} else if prompt != nil {
		if *prompt == "-" {
			return errors.New("reading the prompt from stdin requires --non-interactive")
		}
		initial = strings.TrimSpace(*prompt)
	}

	cwd, err := a.getwd()
	if err != nil {
		return fmt.Errorf("determine current directory: %w", err)
	}
	defaults, err := policy.New(cfg.WorkspaceRoots).ValidateDefaults(cfg.SessionDefaults(cwd))
	if err != nil {
		return err
	}

	store := openLedger(ctx, cfg, logger)
	if store != nil {
		defer store.Close()
	}

	req := session.OpenRequest{Defaults: defaults}
	if opts.resume != "" {
		rollout, err := resolveResume(ctx, store, cfg.SessionsDir(), opts.resume)
		if err != nil {
			return err
		}
		logger.Debug("resuming session", "session_id", opts.resume, "rollout_path", rollout)
		req.ResumeThreadID = opts.resume
	}

	conv, err := a.open(ctx, session.Config{
		CodexBin:       cfg.CodexBin,
		CodexArgs:      cfg.CodexArgs,
		AppServerURL:   cfg.AppServerURL,
		StartTimeout:   cfg.StartTimeout,
		RequestTimeout: cfg.RequestTimeout,
		ClientVersion:  version,
		Logger:         logger,
	}, req)
	if err != nil {
		return err
	}
	defer conv.Close()

	interrupts, stop := a.interrupts()
	defer stop()

	out := &turn.Output{Stdout: a.stdout, Stderr: a.stderr}
	input := turn.NewLineReader(a.stdin)
	sess := turn.NewSession(ctx, turn.SessionConfig{
		Handle:     conv,
		Configured: conv.Configured(),
		Defaults:   defaults,
		Input:      input,
		Interrupts: interrupts,
		Out:        out,
		EmitEvents: opts.jsonEvents,
		Logger:     logger,
	})
	rec := &recorder{store: store, logger: logger}
	if configured, ok := conv.Configured().Msg.(protocol.SessionConfigured); ok {
		rec.session(ctx, ledger.SessionRecord{
			ID:          configured.SessionID,
			RolloutPath: configured.RolloutPath,
			Cwd:         defaults.Cwd,
			Model:       configured.Model,
		})
	}

	turnFn := func(text string) error {
		result, err := sess.SendTurn(ctx, text)
		if err != nil {
			return err
		}
		rec.turn(ctx, text, result)
		return writeResult(out, result, opts.jsonResult)
	}

	if opts.nonInteractive {
		err = turnFn(initial)
	} else {
		err = runInteractive(initial, input, interrupts, out, turnFn)
	}

	if sess.SessionID() != "" {
		rec.session(ctx, ledger.SessionRecord{ID: sess.SessionID(), RolloutPath: sess.RolloutPath(), Cwd: defaults.Cwd})
	}
	if info := sess.Shutdown(ctx); info != nil {
		if werr := out.JSON(info); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// runInteractive sends the optional initial prompt, then one turn per
// input line until EOF, an interrupt at the prompt, or the stop marker.
func runInteractive(initial string, input *turn.LineReader, interrupts <-chan os.Signal, out *turn.Output, send func(string) error) error {
	if initial != "" {
		if err := send(initial); err != nil {
			return err
		}
	}
	for {
		// A turn may have consumed EOF while waiting on an approval.
		if input.Exhausted() {
			return nil
		}
		out.Prompt("codex> ")
		var line turn.Line
		select {
		case line = <-input.Next():
			input.Done(line)
		case <-interrupts:
			fmt.Fprintln(out.Stderr)
			return nil
		}
		if line.Err != nil {
			if errors.Is(line.Err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", line.Err)
		}
		text := strings.TrimSpace(line.Text)
		if text == stopMarker {
			return nil
		}
		if text == "" {
			continue
		}
		if err := send(text); err != nil {
			return err
		}
	}
}

func (a *app) readPrompt(prompt *string) (string, error) {
	if prompt != nil && *prompt != "-" {
		text := strings.TrimSpace(*prompt)
		if text == "" {
			return "", errors.New("prompt is empty")
		}
		return text, nil
	}
	if a.stdinIsTerminal() {
		return "", errors.New("no prompt provided; pass one as an argument or pipe text into stdin")
	}
	data, err := io.ReadAll(a.stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("no prompt provided via stdin")
	}
	return text, nil
}

type turnResultEnvelope struct {
	Type   string       `json:"type"`
	Result *turn.Result `json:"result"`
}

func writeResult(out *turn.Output, result *turn.Result, asJSON bool) error {
	if asJSON {
		return out.JSON(turnResultEnvelope{Type: "turn.result", Result: result})
	}
	if result.FinalMessage != nil {
		if _, err := fmt.Fprintln(out.Stdout, *result.FinalMessage); err != nil {
			return err
		}
	}
	for _, msg := range result.Errors {
		fmt.Fprintf(out.Stderr, "error: %s\n", msg)
	}
	return nil
}

func openLedger(ctx context.Context, cfg config.Config, logger *slog.Logger) *ledger.Store {
	if cfg.LedgerPath == "" {
		return nil
	}
	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		logger.Warn("session ledger unavailable", "path", cfg.LedgerPath, "err", err)
		return nil
	}
	if err := store.Init(ctx); err != nil {
		logger.Warn("session ledger unavailable", "path", cfg.LedgerPath, "err", err)
		store.Close()
		return nil
	}
	return store
}
