package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webdav-core/internal/auth"
	"github.com/webdav-core/internal/sidecar"
	"github.com/webdav-core/internal/webdav"
	"github.com/webdav-core/internal/webdav/utils"
)

var sidecarCmd = &cobra.Command{
	Use:   "sidecar",
	Short: "Inspect and repair sidecar records",
}

var sidecarShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Print the sidecar record of a resource as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := sidecar.Open(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		key := utils.Path.Clean(args[0])
		var out []byte
		err = store.Transaction(cmd.Context(), key, true, func(rec *sidecar.Record) error {
			var err error
			out, err = json.MarshalIndent(rec, "", "  ")
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to read record %s: %w", key, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var sidecarClearLocksCmd = &cobra.Command{
	Use:   "clear-locks <path>",
	Short: "Remove every lock recorded on a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := sidecar.Open(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		locks := webdav.NewLockStore(store, webdav.LockStoreOptions{
			TimeoutPeriod: cfg.DAV.LockTimeoutPeriod,
		}, logger)
		key := utils.Path.Clean(args[0])
		n, err := locks.ClearLocks(cmd.Context(), key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %d lock(s) on %s\n", n, key)
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print a bcrypt hash for auth.users[].password_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	sidecarCmd.AddCommand(sidecarShowCmd)
	sidecarCmd.AddCommand(sidecarClearLocksCmd)
}
