package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eml-intake/internal/extract"
	"github.com/sells-group/eml-intake/internal/mailmsg"
	"github.com/sells-group/eml-intake/internal/model"
	"github.com/sells-group/eml-intake/internal/store"
)

func TestProcess_SupplierASuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	up := h.upload(t, "supplier_a_order.eml")

	require.NoError(t, h.job.Process(ctx, up.Record.ID))

	rec, err := h.store.GetRecord(ctx, up.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	assert.Equal(t, "supplier_a", rec.Strategy)
	assert.Equal(t, "loja@fornecedora.com", rec.Sender)
	assert.Empty(t, rec.ErrorMessage)
	require.NotNil(t, rec.CustomerID)

	c, err := h.store.GetCustomer(ctx, *rec.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, "João da Silva", c.Name)
	assert.Equal(t, "joao.silva@example.com", c.Email)
	assert.Equal(t, "11912345678", c.Phone)
	assert.Equal(t, "+5511912345678", c.PhoneE164)
	assert.Equal(t, "ABC123", c.ProductCode)
	assert.Equal(t, "Pedido ABC123", c.EmailSubject)

	f, err := h.store.GetSourceFile(ctx, up.SourceFile.ID)
	require.NoError(t, err)
	assert.Equal(t, "loja@fornecedora.com", f.Sender)
	assert.Equal(t, "Pedido ABC123", f.Subject)
	require.NotNil(t, f.OriginalDate)
}

func TestProcess_PartnerBSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	up := h.upload(t, "partner_b_lead.eml")

	assert.Equal(t, 1, h.drain(t))

	rec, err := h.store.GetRecord(ctx, up.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	assert.Equal(t, "partner_b", rec.Strategy)
	assert.Equal(t, "PROD-555", rec.Fields.Get(model.FieldProductCode))
}

func TestProcess_BusinessFailures(t *testing.T) {
	tests := []struct {
		file     string
		reason   string
		sender   string
		strategy string
	}{
		{"supplier_a_no_contact.eml", "contact information", "loja@fornecedora.com", "supplier_a"},
		{"unknown_sender.eml", "no strategy found for: someone@example.com", "someone@example.com", ""},
		{"no_sender.eml", "no sender found", "", ""},
		{"malformed.eml", "invalid email file", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, true)
			up := h.upload(t, tt.file)

			require.NoError(t, h.job.Process(ctx, up.Record.ID), "business failures are not retried")

			rec, err := h.store.GetRecord(ctx, up.Record.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, rec.Status)
			assert.Contains(t, rec.ErrorMessage, tt.reason)
			assert.Equal(t, tt.sender, rec.Sender)
			assert.Equal(t, tt.strategy, rec.Strategy)
			assert.Nil(t, rec.CustomerID)
			assert.NotNil(t, rec.Fields)
		})
	}
}

func TestProcess_FailureKeepsPartialFields(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	up := h.upload(t, "supplier_a_no_contact.eml")
	require.NoError(t, h.job.Process(ctx, up.Record.ID))

	rec, err := h.store.GetRecord(ctx, up.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pedro Santos", rec.Fields.Get(model.FieldName))
	assert.Equal(t, "XYZ789", rec.Fields.Get(model.FieldProductCode))

	// Metadata is only backfilled on success.
	f, err := h.store.GetSourceFile(ctx, up.SourceFile.ID)
	require.NoError(t, err)
	assert.Empty(t, f.Sender)
}

func TestProcess_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	up := h.upload(t, "supplier_a_order.eml")

	require.NoError(t, h.job.Process(ctx, up.Record.ID))
	first, err := h.store.GetRecord(ctx, up.Record.ID)
	require.NoError(t, err)

	require.NoError(t, h.job.Process(ctx, up.Record.ID))
	second, err := h.store.GetRecord(ctx, up.Record.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.CustomerID, second.CustomerID)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestProcess_NoOps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	t.Run("missing record", func(t *testing.T) {
		assert.NoError(t, h.job.Process(ctx, "does-not-exist"))
	})

	t.Run("already processing", func(t *testing.T) {
		up := h.upload(t, "partner_b_lead.eml")
		claimed, err := h.store.ClaimRecord(ctx, up.Record.ID)
		require.NoError(t, err)
		require.True(t, claimed)

		require.NoError(t, h.job.Process(ctx, up.Record.ID))
		rec, err := h.store.GetRecord(ctx, up.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusProcessing, rec.Status)
	})

	t.Run("content missing", func(t *testing.T) {
		up := h.upload(t, "supplier_a_order.eml")
		h.blobs.Delete(up.SourceFile.Handle)

		require.NoError(t, h.job.Process(ctx, up.Record.ID))
		rec, err := h.store.GetRecord(ctx, up.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, rec.Status)
	})
}

func TestProcess_SameCustomerTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	first := h.upload(t, "supplier_a_order.eml")
	require.NoError(t, h.job.Process(ctx, first.Record.ID))

	// Same customer, different bytes.
	data := append(fixture(t, "supplier_a_order.eml"), []byte("\nObrigado!\n")...)
	second, err := h.intake.Upload(ctx, Upload{Filename: "again.eml", Data: data})
	require.NoError(t, err)
	require.NoError(t, h.job.Process(ctx, second.Record.ID))

	r1, err := h.store.GetRecord(ctx, first.Record.ID)
	require.NoError(t, err)
	r2, err := h.store.GetRecord(ctx, second.Record.ID)
	require.NoError(t, err)
	require.NotNil(t, r1.CustomerID)
	require.NotNil(t, r2.CustomerID)
	assert.Equal(t, *r1.CustomerID, *r2.CustomerID)
}

// failingCompleteStore forces the success transaction to fail.
type failingCompleteStore struct {
	*store.SQLiteStore
}

func (failingCompleteStore) CompleteRecord(context.Context, string, *model.Customer, model.Outcome) (*model.Customer, error) {
	return nil, errors.New("disk I/O error")
}

func TestProcess_UnexpectedErrorIsRecordedAndReturned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	up := h.upload(t, "supplier_a_order.eml")

	st := failingCompleteStore{h.store}
	job := NewJob(st, NewResolver(st, h.blobs), h.job.registry, h.job.builder)

	err := job.Process(ctx, up.Record.ID)
	require.Error(t, err)
	assert.False(t, IsBusinessFailure(err))

	rec, gerr := h.store.GetRecord(ctx, up.Record.ID)
	require.NoError(t, gerr)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "job failed: ")
	assert.Contains(t, rec.ErrorMessage, "disk I/O error")
	assert.Nil(t, rec.CustomerID)
}

// nilMapStrategy accepts every sender and panics while extracting.
type nilMapStrategy struct{}

func (nilMapStrategy) Name() string          { return "nil_map" }
func (nilMapStrategy) CanHandle(string) bool { return true }

func (nilMapStrategy) Extract(*mailmsg.Message) (extract.Result, error) {
	var fields model.Fields
	fields[model.FieldName] = "boom"
	return extract.Result{Fields: fields}, nil
}

func TestProcess_PanicIsRecordedAndReturned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	up := h.upload(t, "supplier_a_order.eml")

	registry := extract.NewRegistry()
	registry.Register(nilMapStrategy{})
	job := NewJob(h.store, h.resolver, registry, h.job.builder)

	var err error
	require.NotPanics(t, func() { err = job.Process(ctx, up.Record.ID) })
	require.Error(t, err)
	assert.False(t, IsBusinessFailure(err))

	rec, gerr := h.store.GetRecord(ctx, up.Record.ID)
	require.NoError(t, gerr)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.True(t, strings.HasPrefix(rec.ErrorMessage, "job failed: "), rec.ErrorMessage)
	assert.Contains(t, rec.ErrorMessage, "assignment to entry in nil map")
	assert.Equal(t, "nil_map", rec.Strategy)
	assert.Nil(t, rec.CustomerID)

	// A redelivery of the failed record does nothing.
	require.NoError(t, job.Process(ctx, up.Record.ID))
}

func TestProcess_LegacyAttachment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	up := h.upload(t, "supplier_a_order.eml")
	require.Nil(t, up.SourceFile)
	require.NotNil(t, up.Record.AttachmentHandle)

	require.NoError(t, h.job.Process(ctx, up.Record.ID))
	rec, err := h.store.GetRecord(ctx, up.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rec.Status)
}

func TestFailure(t *testing.T) {
	f := fail(ErrNoStrategyFound, "no strategy found for: x@y.com")
	assert.Equal(t, "no strategy found for: x@y.com", f.Error())
	assert.ErrorIs(t, f, ErrNoStrategyFound)
	assert.NotErrorIs(t, f, ErrNoSenderFound)
	assert.True(t, IsBusinessFailure(f))
	assert.False(t, IsBusinessFailure(errors.New("x")))
}
