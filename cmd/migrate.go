package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/eml-intake/internal/queue"
	"github.com/sells-group/eml-intake/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply store and queue schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		if ps, ok := st.(*store.PostgresStore); ok && cfg.QueueDriver() == "postgres" {
			if err := queue.NewPostgres(ps.Pool(), retryPolicy()).Migrate(ctx); err != nil {
				return eris.Wrap(err, "migrate queue")
			}
		}

		zap.L().Info("migrations applied", zap.String("store", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
