package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the retention sweep once and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sweep"); err != nil {
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

		sum := newSweeper(st).Run(ctx)

		out, err := yaml.Marshal(sum)
		if err != nil {
			return eris.Wrap(err, "marshal summary")
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))

		if sum.Failed() {
			return eris.New("retention sweep finished with errors")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
