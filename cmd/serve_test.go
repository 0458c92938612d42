package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eml-intake/internal/blob"
	"github.com/sells-group/eml-intake/internal/model"
)

func multipartUpload(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]string) {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var body map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	return rr, body
}

func TestHealthEndpoint(t *testing.T) {
	h := newRouter(testEnv(t), []string{"*"})

	rr, body := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newRouter(testEnv(t), []string{"*"})

	serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "emlintake_http_requests_total")
}

func TestUpload_Accepted(t *testing.T) {
	env := testEnv(t)
	h := newRouter(env, []string{"*"})

	rr, body := serve(h, multipartUpload(t, uploadField, "pedido.eml", fixture(t, "supplier_a_order.eml")))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.NotEmpty(t, body["record_id"])
	assert.NotEmpty(t, body["source_file_id"])

	rec, err := env.Store.GetRecord(context.Background(), body["record_id"])
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestUpload_Duplicate(t *testing.T) {
	h := newRouter(testEnv(t), []string{"*"})
	data := fixture(t, "partner_b_lead.eml")

	_, first := serve(h, multipartUpload(t, uploadField, "a.eml", data))
	rr, body := serve(h, multipartUpload(t, uploadField, "b.eml", data))

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, first["source_file_id"], body["source_file_id"])
	assert.Equal(t, "duplicate file", body["error"])
}

func TestUpload_Rejections(t *testing.T) {
	h := newRouter(testEnv(t), []string{"*"})

	tests := []struct {
		name   string
		req    *http.Request
		status int
		msg    string
	}{
		{"missing field", multipartUpload(t, "other", "a.eml", []byte("x")), http.StatusBadRequest, "file is required"},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/uploads", bytes.NewReader([]byte("x"))), http.StatusBadRequest, "file is required"},
		{"empty file", multipartUpload(t, uploadField, "a.eml", nil), http.StatusBadRequest, "file is required"},
		{"wrong extension", multipartUpload(t, uploadField, "a.pdf", []byte("x")), http.StatusBadRequest, "invalid file format, only .eml files are accepted"},
		{"too large", multipartUpload(t, uploadField, "a.eml", bytes.Repeat([]byte("a"), 10<<20+1)), http.StatusRequestEntityTooLarge, "file too large, maximum size is 10MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := serve(h, tt.req)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.msg, body["error"])
		})
	}
}

func TestReprocessEndpoint(t *testing.T) {
	env := testEnv(t)
	h := newRouter(env, []string{"*"})
	_, up := serve(h, multipartUpload(t, uploadField, "a.eml", fixture(t, "partner_b_lead.eml")))

	rr, body := serve(h, httptest.NewRequest(http.MethodPost, "/source-files/"+up["source_file_id"]+"/reprocess", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.NotEqual(t, up["record_id"], body["record_id"])

	rr, body = serve(h, httptest.NewRequest(http.MethodPost, "/source-files/missing/reprocess", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "source file not found", body["error"])

	f, err := env.Store.GetSourceFile(context.Background(), up["source_file_id"])
	require.NoError(t, err)
	env.Blobs.(*blob.Memory).Delete(f.Handle)

	rr, body = serve(h, httptest.NewRequest(http.MethodPost, "/source-files/"+up["source_file_id"]+"/reprocess", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "source file content not available", body["error"])
}

func TestRecordAndCustomerEndpoints(t *testing.T) {
	ctx := context.Background()
	env := testEnv(t)
	h := newRouter(env, []string{"*"})
	_, up := serve(h, multipartUpload(t, uploadField, "a.eml", fixture(t, "supplier_a_order.eml")))
	require.NoError(t, env.Job.Process(ctx, up["record_id"]))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/records/"+up["record_id"], nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var rec model.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, model.StatusSuccess, rec.Status)
	require.NotNil(t, rec.CustomerID)

	rr, _ = serve(h, httptest.NewRequest(http.MethodGet, "/records/missing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = serve(h, httptest.NewRequest(http.MethodGet, "/customers/"+*rec.CustomerID, nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, _ = serve(h, httptest.NewRequest(http.MethodDelete, "/customers/"+*rec.CustomerID, nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr, _ = serve(h, httptest.NewRequest(http.MethodDelete, "/customers/"+*rec.CustomerID, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	after, err := env.Store.GetRecord(ctx, up["record_id"])
	require.NoError(t, err)
	assert.Nil(t, after.CustomerID, "records are detached from a discarded customer")
}

func TestCORSPreflight(t *testing.T) {
	h := newRouter(testEnv(t), []string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/uploads", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
