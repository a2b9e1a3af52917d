package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vango-go/zenlive/pkg/recovery"
)

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	var dsn string
	var purge bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres recovery schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if dsn == "" {
				dsn = cfg.Recovery.PostgresDSN
			}
			if dsn == "" {
				return errors.New("postgres dsn is required (--dsn or ZENLIVE_POSTGRES_DSN)")
			}
			store, err := recovery.OpenPostgres(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Info("recovery schema up to date")

			if purge {
				n, err := store.PurgeExpired(cmd.Context())
				if err != nil {
					return fmt.Errorf("purge expired: %w", err)
				}
				logger.Info("purged expired recovery records", "count", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to the configured recovery dsn)")
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete expired records")
	return cmd
}
