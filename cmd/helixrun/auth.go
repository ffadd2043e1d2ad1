package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"helixrun/internal/auth"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type loginOptions struct {
	withAPIKey bool
	apiKey     string
	deviceCode bool
}

func newLoginCmd(a *app) *cobra.Command {
	var opts loginOptions
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with an API key, or through codex's browser or device code flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			usesKey := opts.withAPIKey || opts.apiKey != ""
			if opts.deviceCode && usesKey {
				return errors.New("--device-code cannot be combined with API key options")
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := auth.CheckLoginMethod(cfg.ForcedLoginMethod, usesKey); err != nil {
				return err
			}
			svc := auth.New(cfg.CodexHome, cfg.CodexBin)
			out := cmd.OutOrStdout()

			if usesKey {
				key := opts.apiKey
				if key == "" {
					if key, err = a.readAPIKey(); err != nil {
						return err
					}
				}
				if err := svc.LoginWithAPIKey(key); err != nil {
					return fmt.Errorf("failed to store API key credentials: %w", err)
				}
				fmt.Fprintln(out, "Successfully stored API key credentials.")
				return nil
			}

			if err := svc.InteractiveLogin(cmd.Context(), opts.deviceCode, a.stdin, out, cmd.ErrOrStderr()); err != nil {
				return err
			}
			if opts.deviceCode {
				fmt.Fprintln(out, "Device code login completed.")
			} else {
				fmt.Fprintln(out, "Browser login completed.")
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.withAPIKey, "with-api-key", false, "read the API key from stdin")
	flags.StringVar(&opts.apiKey, "api-key", "", "provide the API key directly")
	flags.BoolVar(&opts.deviceCode, "device-code", false, "use the device code flow instead of a local browser callback")
	return cmd
}

// readAPIKey reads a piped key from stdin, or prompts without echo when
// stdin is a terminal.
func (a *app) readAPIKey() (string, error) {
	if a.stdinIsTerminal() {
		fmt.Fprint(a.stderr, "API key: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(a.stderr)
		if err != nil {
			return "", fmt.Errorf("read API key: %w", err)
		}
		return requireKey(string(raw))
	}
	data, err := io.ReadAll(a.stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read API key from stdin: %w", err)
	}
	return requireKey(string(data))
}

func requireKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", errors.New("no API key provided via stdin")
	}
	return key, nil
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored authentication credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			removed, err := auth.New(cfg.CodexHome, cfg.CodexBin).Logout()
			if err != nil {
				return fmt.Errorf("failed to remove stored credentials: %w", err)
			}
			if removed {
				fmt.Fprintln(cmd.OutOrStdout(), "Removed stored credentials.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No stored credentials were found.")
			}
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored authentication status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			st, err := auth.New(cfg.CodexHome, cfg.CodexBin).Status()
			switch {
			case errors.Is(err, auth.ErrNotLoggedIn):
				fmt.Fprintln(out, "Not logged in.")
				return nil
			case err != nil:
				return err
			}
			switch st.Mode {
			case auth.ModeAPIKey:
				fmt.Fprintf(out, "Logged in with API key (%s)\n", auth.SafeKeyPreview(st.APIKey))
			default:
				fmt.Fprintln(out, "Logged in with ChatGPT session.")
			}
			return nil
		},
	}
}
