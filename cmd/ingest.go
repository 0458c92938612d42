package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/eml-intake/internal/dedup"
	"github.com/sells-group/eml-intake/internal/pipeline"
)

var ingestProcess bool

// ingestResult is one line of the ingest report.
type ingestResult struct {
	File         string `yaml:"file"`
	RecordID     string `yaml:"record_id,omitempty"`
	SourceFileID string `yaml:"source_file_id,omitempty"`
	Status       string `yaml:"status"`
	Customer     string `yaml:"customer_id,omitempty"`
	Error        string `yaml:"error,omitempty"`
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.eml>...",
	Short: "Upload local .eml files and optionally process them inline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		results := make([]ingestResult, 0, len(args))
		failed := 0
		for _, path := range args {
			res := ingestFile(ctx, env, path, ingestProcess)
			if res.Error != "" {
				failed++
			}
			results = append(results, res)
		}

		if err := writeIngestReport(cmd.OutOrStdout(), results); err != nil {
			return err
		}
		if failed > 0 {
			return eris.Errorf("%d of %d files were not accepted", failed, len(args))
		}
		return nil
	},
}

func ingestFile(ctx context.Context, env *appEnv, path string, process bool) ingestResult {
	res := ingestResult{File: path, Status: "rejected"}

	data, err := os.ReadFile(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	up, err := env.Intake.Upload(ctx, pipeline.Upload{Filename: filepath.Base(path), Data: data})
	if err != nil {
		var dup *dedup.DuplicateError
		if errors.As(err, &dup) {
			res.Status = "duplicate"
			res.SourceFileID = dup.Existing.ID
		}
		res.Error = err.Error()
		return res
	}
	res.RecordID = up.Record.ID
	res.Status = string(up.Record.Status)
	if up.SourceFile != nil {
		res.SourceFileID = up.SourceFile.ID
	}
	if !process {
		return res
	}

	if err := env.Job.Process(ctx, up.Record.ID); err != nil {
		res.Error = err.Error()
	}
	rec, err := env.Store.GetRecord(ctx, up.Record.ID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Status = string(rec.Status)
	if rec.CustomerID != nil {
		res.Customer = *rec.CustomerID
	}
	if rec.ErrorMessage != "" && res.Error == "" {
		res.Error = rec.ErrorMessage
	}
	return res
}

func writeIngestReport(w io.Writer, results []ingestResult) error {
	out, err := yaml.Marshal(results)
	if err != nil {
		return eris.Wrap(err, "marshal ingest report")
	}
	_, err = fmt.Fprint(w, string(out))
	return err
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestProcess, "process", true, "process each record inline instead of waiting for a worker")
	rootCmd.AddCommand(ingestCmd)
}
