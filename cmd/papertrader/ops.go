package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/papertrader/internal/app"
	"github.com/alanyoungcy/papertrader/internal/config"
)

// userCommand builds a subcommand that runs op for the user named by the
// --user flag and prints the result as JSON.
func userCommand(opts *rootOptions, use, short string, op func(cmd *cobra.Command, a *app.App, userID string) (any, error)) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(opts, "")
			if err != nil {
				return err
			}
			defer rt.Close()

			out, err := op(cmd, rt.app, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newDiagnoseCmd(opts *rootOptions) *cobra.Command {
	return userCommand(opts, "diagnose", "Compare remote and local state for a user",
		func(cmd *cobra.Command, a *app.App, userID string) (any, error) {
			return a.Diagnose(cmd.Context(), userID)
		})
}

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	return userCommand(opts, "recover", "Repair divergence between remote and local state for a user",
		func(cmd *cobra.Command, a *app.App, userID string) (any, error) {
			return a.Recover(cmd.Context(), userID)
		})
}

func newRepairCmd(opts *rootOptions) *cobra.Command {
	return userCommand(opts, "repair", "Recompute a user's cash balance from the record history",
		func(cmd *cobra.Command, a *app.App, userID string) (any, error) {
			return a.Repair(cmd.Context(), userID)
		})
}

func newBackupCmd(opts *rootOptions) *cobra.Command {
	return userCommand(opts, "backup", "Write a snapshot of a user's state to object storage",
		func(cmd *cobra.Command, a *app.App, userID string) (any, error) {
			key, err := a.Backup(cmd.Context(), userID)
			if err != nil {
				return nil, err
			}
			return map[string]string{"user_id": userID, "key": key}, nil
		})
}

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	return userCommand(opts, "archive", "Upload a user's old finished records to object storage",
		func(cmd *cobra.Command, a *app.App, userID string) (any, error) {
			return a.Archive(cmd.Context(), userID)
		})
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate the configuration and print it with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), config.RedactedConfig(cfg))
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("papertrader: encode output: %w", err)
	}
	return nil
}
