package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/keystore"
)

// KeygenResult is a freshly generated agent.
type KeygenResult struct {
	Agent ir.AgentKey `json:"agent"`
	Seed  string      `json:"seed"`
}

func (r KeygenResult) String() string {
	return fmt.Sprintf("agent: %s\nseed:  %s", r.Agent, r.Seed)
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an agent key",
		Long: `Generate an ed25519 agent key and print its hex seed for agent.seed.

With --derive-from the key is derived from a passphrase and --label, so
the same inputs always give the same agent.

Examples:
  dhtcore keygen
  dhtcore keygen --derive-from "lab seed" --label alice --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("derive-from")
			var (
				signer *keystore.Ed25519Signer
				err    error
			)
			if from != "" {
				signer, err = keystore.Derive([]byte(from), label)
			} else {
				signer, err = keystore.Generate()
			}
			if err != nil {
				return WrapExitError(ExitFailure, "failed to generate key", err)
			}
			out := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return out.Success(KeygenResult{Agent: signer.Agent(), Seed: signer.Seed()})
		},
	}

	cmd.Flags().String("derive-from", "", "derive the key from this passphrase")
	cmd.Flags().StringVar(&label, "label", "default", "derivation label")

	return cmd
}
