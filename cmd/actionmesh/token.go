package main

import (
	"encoding/json"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/hupe1980/actionmesh/config"
	"github.com/hupe1980/actionmesh/pending"
	"github.com/hupe1980/actionmesh/token"
)

// NewTokenCmd creates the token subcommand.
func NewTokenCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with approval tokens",
	}
	cmd.AddCommand(newTokenInspectCmd(load))
	return cmd
}

type inspection struct {
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	RunID     string         `json:"runId"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Digest    string         `json:"digest"`
}

func newTokenInspectCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <token>",
		Short: "Verify an approval token and print the pending action",
		Long: `Verify the signature and expiry of an approval token with the configured
secret and print the pending action it carries. The token is not consumed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			store, err := inspector(cfg)
			if err != nil {
				return err
			}

			p, err := store.Inspect(args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(inspection{
				Action:    p.ActionName,
				Params:    p.Params,
				RunID:     p.RunID,
				CreatedAt: p.Created().UTC(),
				ExpiresAt: p.Expires().UTC(),
				Digest:    pending.Digest(p.Token),
			})
		},
	}
}

func inspector(cfg *config.Config) (*pending.Store, error) {
	if cfg.Approval.Secret == "" {
		return nil, oops.In("token").Code("INVALID_CONFIG").
			Errorf("approval.secret or %s is required to inspect tokens", config.SecretEnv)
	}
	codec, err := token.NewCodec([]byte(cfg.Approval.Secret))
	if err != nil {
		return nil, err
	}
	return pending.NewStore(codec), nil
}
