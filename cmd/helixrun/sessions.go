package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"helixrun/internal/ledger"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func newSessionsCmd(a *app) *cobra.Command {
	var (
		limit      int
		formatFlag string
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.LedgerPath == "" {
				return errors.New("the session ledger is disabled (HELIX_LEDGER_PATH=off)")
			}
			store, err := ledger.Open(cfg.LedgerPath)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer store.Close()
			if err := store.Init(cmd.Context()); err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			items, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			switch strings.ToLower(formatFlag) {
			case "", "table":
				writeSessionsTable(cmd.OutOrStdout(), items)
				return nil
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(items)
			default:
				return fmt.Errorf("unsupported format %q (expected table or json)", formatFlag)
			}
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&limit, "limit", 20, "maximum number of sessions to list")
	flags.StringVar(&formatFlag, "format", "table", "output format: table or json")
	return cmd
}

func writeSessionsTable(w io.Writer, items []ledger.SessionRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateHeader = true
	tw.Style().Options.DrawBorder = true

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 4, Align: text.AlignLeft, AlignHeader: text.AlignCenter, WidthMax: 60},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignCenter},
	})
	tw.AppendHeader(table.Row{"Updated", "Session ID", "Model", "CWD", "Turns"})

	for _, item := range items {
		model := item.Model
		if model == "" {
			model = "-"
		}
		tw.AppendRow(table.Row{
			item.UpdatedAt.Local().Format(time.RFC3339),
			item.ID,
			model,
			item.Cwd,
			item.TurnCount,
		})
	}
	if len(items) == 0 {
		tw.AppendRow(table.Row{"-", "(no sessions)", "-", "-", 0})
	}
	_ = tw.Render()
}
