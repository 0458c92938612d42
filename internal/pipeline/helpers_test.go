package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/eml-intake/internal/blob"
	"github.com/sells-group/eml-intake/internal/config"
	"github.com/sells-group/eml-intake/internal/customer"
	"github.com/sells-group/eml-intake/internal/dedup"
	"github.com/sells-group/eml-intake/internal/extract"
	"github.com/sells-group/eml-intake/internal/queue"
	"github.com/sells-group/eml-intake/internal/store"
)

type harness struct {
	store       *store.SQLiteStore
	blobs       *blob.Memory
	queue       *queue.Memory
	resolver    *Resolver
	job         *Job
	intake      *Intake
	reprocessor *Reprocessor
}

func newHarness(t *testing.T, dedupMode bool) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	blobs := blob.NewMemory()
	q := queue.NewMemory(queue.RetryPolicy{MaxAttempts: 3, Base: time.Hour, Max: time.Hour})
	resolver := NewResolver(st, blobs)
	registry := extract.NewDefaultRegistry(config.ExtractConfig{
		SupplierADomain: "fornecedora.com",
		PartnerBDomain:  "parceirob.com",
	})

	return &harness{
		store:       st,
		blobs:       blobs,
		queue:       q,
		resolver:    resolver,
		job:         NewJob(st, resolver, registry, customer.NewBuilder("BR")),
		intake:      NewIntake(IntakeConfig{Dedup: dedupMode}, st, dedup.New(st, blobs), blobs, q),
		reprocessor: NewReprocessor(st, resolver, q),
	}
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

// upload submits a fixture and returns the created record ID.
func (h *harness) upload(t *testing.T, name string) *UploadResult {
	t.Helper()
	res, err := h.intake.Upload(context.Background(), Upload{Filename: name, Data: fixture(t, name)})
	require.NoError(t, err)
	return res
}

// drain runs every due queued job through the pipeline.
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	w := queue.NewWorker(h.queue, queue.WorkerConfig{})
	w.Handle(queue.KindProcessRecord, h.job.Handle)
	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	return n
}
