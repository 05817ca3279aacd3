package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/workflow"
)

// defaultDNA is the DNA hash written by author init when --dna is unset.
const defaultDNA = "dna-local"

// AuthorOptions holds flags shared by the author subcommands.
type AuthorOptions struct {
	*RootOptions

	DNA      string
	Payload  string
	Private  bool
	EntryDef string

	Base     string
	Target   string
	Zome     uint8
	LinkType uint8
	Tag      string
}

// AuthorResult describes one committed action.
type AuthorResult struct {
	Kind       ir.ActionKind `json:"kind"`
	ActionHash ir.ActionHash `json:"action_hash"`
	EntryHash  ir.EntryHash  `json:"entry_hash,omitempty"`
	Seq        uint32        `json:"seq"`
}

func (r AuthorResult) String() string {
	s := fmt.Sprintf("%s seq=%d action=%s", r.Kind, r.Seq, r.ActionHash)
	if r.EntryHash != "" {
		s += " entry=" + string(r.EntryHash)
	}
	return s
}

// NewAuthorCommand creates the author command and its subcommands.
func NewAuthorCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuthorOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "author",
		Short: "Author actions onto the local chain",
		Long: `Author actions onto the configured agent's source chain.

Each action is checked by structural and application validation before it
is committed, then the node drains so the new ops are integrated locally.
The agent key comes from agent.seed, which is required.

Examples:
  dhtcore author init --config ./dhtcore.yaml
  dhtcore author create --payload '{"title":"hello"}'
  dhtcore author link --base <entry-hash> --target <action-hash> --type 1 --tag likes`,
	}

	initCmd := &cobra.Command{
		Use:           "init",
		Short:         "Write the genesis actions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthor(opts, cmd, func(ctx context.Context, a *workflow.Author) ([]ir.SignedAction, error) {
				return a.InitChain(ctx, opts.DNA, nil)
			})
		},
	}
	initCmd.Flags().StringVar(&opts.DNA, "dna", defaultDNA, "DNA hash recorded in the Dna action")

	createCmd := &cobra.Command{
		Use:           "create",
		Short:         "Create an app entry",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthor(opts, cmd, func(ctx context.Context, a *workflow.Author) ([]ir.SignedAction, error) {
				et, err := opts.entryType()
				if err != nil {
					return nil, err
				}
				sa, err := a.Create(ctx, et, ir.AppEntry([]byte(opts.Payload)))
				return []ir.SignedAction{sa}, err
			})
		},
	}
	createCmd.Flags().StringVar(&opts.Payload, "payload", "", "entry payload (JSON payloads are validated as JSON)")
	createCmd.Flags().BoolVar(&opts.Private, "private", false, "create a private entry")
	createCmd.Flags().StringVar(&opts.EntryDef, "entry-def", "", "manifest entry definition name")
	_ = createCmd.MarkFlagRequired("payload")

	linkCmd := &cobra.Command{
		Use:           "link",
		Short:         "Create a link from base to target",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthor(opts, cmd, func(ctx context.Context, a *workflow.Author) ([]ir.SignedAction, error) {
				sa, err := a.CreateLink(ctx, ir.AnyHash(opts.Base), ir.AnyHash(opts.Target), opts.Zome, opts.LinkType, []byte(opts.Tag))
				return []ir.SignedAction{sa}, err
			})
		},
	}
	linkCmd.Flags().StringVar(&opts.Base, "base", "", "link base hash")
	linkCmd.Flags().StringVar(&opts.Target, "target", "", "link target hash")
	linkCmd.Flags().Uint8Var(&opts.Zome, "zome", 0, "zome index")
	linkCmd.Flags().Uint8Var(&opts.LinkType, "type", 0, "link type index")
	linkCmd.Flags().StringVar(&opts.Tag, "tag", "", "link tag")
	_ = linkCmd.MarkFlagRequired("base")
	_ = linkCmd.MarkFlagRequired("target")

	cmd.AddCommand(initCmd, createCmd, linkCmd)
	return cmd
}

// entryType resolves --entry-def against the manifest, or falls back to an
// app entry type with the --private visibility.
func (o *AuthorOptions) entryType() (ir.EntryType, error) {
	vis := ir.Public
	if o.Private {
		vis = ir.Private
	}
	if o.EntryDef == "" {
		return ir.EntryType{Kind: ir.EntryApp, Visibility: vis}, nil
	}
	cfg, err := loadConfig(o.RootOptions)
	if err != nil {
		return ir.EntryType{}, err
	}
	if cfg.Manifest.Path == "" {
		return ir.EntryType{}, NewExitError(ExitCommandError, "--entry-def needs manifest.path")
	}
	m, err := loadManifest(cfg.Manifest.Path)
	if err != nil {
		return ir.EntryType{}, WrapExitError(ExitCommandError, "failed to load manifest", err)
	}
	def, ok := m.EntryDefByName(o.EntryDef)
	if !ok {
		return ir.EntryType{}, NewExitError(ExitCommandError, fmt.Sprintf("unknown entry definition %q", o.EntryDef))
	}
	return def.EntryType(), nil
}

type authorFunc func(ctx context.Context, a *workflow.Author) ([]ir.SignedAction, error)

func runAuthor(opts *AuthorOptions, cmd *cobra.Command, do authorFunc) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	node, err := openNode(ctx, cfg, true, slog.Default().With("component", "workflow"))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := node.Close(); closeErr != nil {
			slog.Error("error closing node", "error", closeErr)
		}
	}()

	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	actions, err := do(ctx, node.Author())
	if err != nil {
		code := "E_AUTHOR"
		if workflow.IsRejected(err) {
			code = "E_REJECTED"
		}
		_ = out.Error(code, err.Error(), nil)
		return WrapExitError(ExitFailure, "authoring failed", err)
	}
	out.VerboseLog("committed %d action(s) as %s, draining", len(actions), node.Agent())
	if err := node.Drain(ctx); err != nil {
		return WrapExitError(ExitFailure, "integration failed", err)
	}

	results := make([]AuthorResult, 0, len(actions))
	for _, sa := range actions {
		hash, err := sa.Hash()
		if err != nil {
			return err
		}
		results = append(results, AuthorResult{
			Kind:       sa.Action.Kind,
			ActionHash: hash,
			EntryHash:  sa.Action.EntryHash,
			Seq:        sa.Action.Seq,
		})
	}
	if out.Format == "json" {
		return out.Success(results)
	}
	for _, r := range results {
		if err := out.Success(r); err != nil {
			return err
		}
	}
	return nil
}
