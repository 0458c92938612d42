package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reprocessProcess bool

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <source-file-id>",
	Short: "Start a fresh processing attempt for a stored source file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "reprocess")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Reprocessor.Reprocess(ctx, args[0])
		if err != nil {
			return err
		}

		if reprocessProcess {
			if err := env.Job.Process(ctx, rec.ID); err != nil {
				return err
			}
			if rec, err = env.Store.GetRecord(ctx, rec.ID); err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "record %s %s\n", rec.ID, rec.Status)
		if rec.ErrorMessage != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", rec.ErrorMessage)
		}
		return nil
	},
}

func init() {
	reprocessCmd.Flags().BoolVar(&reprocessProcess, "process", false, "process the new record inline")
	rootCmd.AddCommand(reprocessCmd)
}
