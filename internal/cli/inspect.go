package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/store"
)

// LimboRow is one limbo op as printed by inspect limbo.
type LimboRow struct {
	Hash     ir.OpHash     `json:"op_hash"`
	Kind     ir.OpKind     `json:"kind"`
	Stage    store.Stage   `json:"stage"`
	Author   ir.AgentKey   `json:"author"`
	Attempts int           `json:"attempts"`
	Action   ir.ActionHash `json:"action_hash,omitempty"`
}

// RecordView is a record with its aggregated validity.
type RecordView struct {
	Record   ir.Record           `json:"record"`
	Validity ir.ValidationStatus `json:"validity"`
}

// NewInspectCommand creates the inspect command and its subcommands.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect the local store",
		Long: `Inspect a node's SQLite store without starting the node.

Examples:
  dhtcore inspect status --db ./dhtcore.db
  dhtcore inspect limbo --format json
  dhtcore inspect record <action-hash>`,
	}

	recordCmd := &cobra.Command{
		Use:           "record <action-hash>",
		Short:         "Show a record and its validity",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(rootOpts, cmd, func(ctx context.Context, st *store.Store, out *OutputFormatter) error {
				return inspectRecord(ctx, st, out, ir.ActionHash(args[0]))
			})
		},
	}

	limboCmd := &cobra.Command{
		Use:           "limbo",
		Short:         "List ops waiting in limbo",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(rootOpts, cmd, inspectLimbo)
		},
	}

	statusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Show store counters",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(rootOpts, cmd, inspectStatus)
		},
	}

	cmd.AddCommand(recordCmd, limboCmd, statusCmd)
	return cmd
}

type storeFunc func(ctx context.Context, st *store.Store, out *OutputFormatter) error

func withStore(opts *RootOptions, cmd *cobra.Command, do storeFunc) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	return do(ctx, st, newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr()))
}

func inspectRecord(ctx context.Context, st *store.Store, out *OutputFormatter, hash ir.ActionHash) error {
	rec, err := st.GetRecord(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		_ = out.Error("E_NOT_FOUND", fmt.Sprintf("no live record %s", hash), nil)
		return NewExitError(ExitFailure, "record not found")
	}
	if err != nil {
		return err
	}
	validity, err := st.ActionValidity(ctx, hash)
	if err != nil {
		return err
	}

	a := rec.Action.Action
	rows := []table.Row{
		{"hash", hash},
		{"kind", a.Kind},
		{"author", a.Author},
		{"seq", a.Seq},
		{"validity", validity},
		{"entry_state", rec.EntryState},
	}
	if a.EntryHash != "" {
		rows = append(rows, table.Row{"entry_hash", a.EntryHash})
	}
	if a.Kind == ir.ActionCreateLink {
		rows = append(rows, table.Row{"base", a.Base}, table.Row{"target", a.Target}, table.Row{"tag", string(a.Tag)})
	}
	return out.Table(table.Row{"Field", "Value"}, rows, RecordView{Record: rec, Validity: validity})
}

func inspectLimbo(ctx context.Context, st *store.Store, out *OutputFormatter) error {
	limbo, err := st.ListLimbo(ctx)
	if err != nil {
		return err
	}
	data := make([]LimboRow, 0, len(limbo))
	rows := make([]table.Row, 0, len(limbo))
	for _, l := range limbo {
		data = append(data, LimboRow{
			Hash:     l.Hash,
			Kind:     l.Kind,
			Stage:    l.Stage,
			Author:   l.Author,
			Attempts: l.NumAttempts,
			Action:   l.ActionHash,
		})
		rows = append(rows, table.Row{ir.Short(l.Hash), l.Kind, l.Stage, ir.Short(l.Author), l.NumAttempts})
	}
	if len(rows) == 0 && out.Format != "json" {
		return out.Success("Limbo is empty.")
	}
	return out.Table(table.Row{"Op", "Kind", "Stage", "Author", "Attempts"}, rows, data)
}

func inspectStatus(ctx context.Context, st *store.Store, out *OutputFormatter) error {
	s, err := st.Status(ctx)
	if err != nil {
		return err
	}
	rows := []table.Row{
		{"limbo_pending_sys", s.LimboPendingSys},
		{"limbo_pending_app", s.LimboPendingApp},
		{"limbo_awaiting_integration", s.LimboAwaitingIntegration},
		{"ops_valid", s.OpsValid},
		{"ops_rejected", s.OpsRejected},
		{"actions_valid", s.ActionsValid},
		{"actions_rejected", s.ActionsRejected},
		{"authored_ops", s.AuthoredOps},
		{"authored_unpublished", s.AuthoredUnpublished},
		{"links", s.Links},
	}
	return out.Table(table.Row{"Counter", "Value"}, rows, s)
}
