package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/eml-intake/internal/dedup"
	"github.com/sells-group/eml-intake/internal/metrics"
	"github.com/sells-group/eml-intake/internal/pipeline"
	"github.com/sells-group/eml-intake/internal/store"
)

// uploadField is the multipart form field carrying the .eml file.
const uploadField = "email_file"

// multipartOverhead is allowed on top of the file limit for form framing.
const multipartOverhead = 1 << 20

type api struct {
	env *appEnv
	log *zap.Logger
}

// newRouter builds the HTTP surface over env.
func newRouter(env *appEnv, allowedOrigins []string) http.Handler {
	a := &api{env: env, log: zap.L().With(zap.String("component", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)
	r.Use(a.requestLogger)

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/uploads", a.upload)
	r.Post("/source-files/{id}/reprocess", a.reprocess)
	r.Get("/records/{id}", a.getRecord)
	r.Get("/customers/{id}", a.getCustomer)
	r.Delete("/customers/{id}", a.deleteCustomer)

	return r
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case status >= 500:
			a.log.Error("http request", fields...)
		case status >= 400:
			a.log.Warn("http request", fields...)
		default:
			a.log.Debug("http request", fields...)
		}
	})
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) upload(w http.ResponseWriter, r *http.Request) {
	in := a.env.Intake
	r.Body = http.MaxBytesReader(w, r.Body, in.MaxBytes()+multipartOverhead)

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			writeError(w, http.StatusRequestEntityTooLarge, in.TooLarge().Message)
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			writeError(w, http.StatusBadRequest, "file is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid upload")
		}
		return
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(file, in.MaxBytes()+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload")
		return
	}

	res, err := in.Upload(r.Context(), pipeline.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		a.uploadError(w, err)
		return
	}

	body := map[string]string{"record_id": res.Record.ID}
	if res.SourceFile != nil {
		body["source_file_id"] = res.SourceFile.ID
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (a *api) uploadError(w http.ResponseWriter, err error) {
	var (
		rej *pipeline.RejectedError
		dup *dedup.DuplicateError
	)
	switch {
	case errors.As(err, &rej):
		status := http.StatusBadRequest
		if errors.Is(rej, pipeline.ErrFileTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, rej.Message)
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":          "duplicate file",
			"source_file_id": dup.Existing.ID,
		})
	default:
		a.log.Error("upload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upload failed")
	}
}

func (a *api) reprocess(w http.ResponseWriter, r *http.Request) {
	rec, err := a.env.Reprocessor.Reprocess(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, pipeline.ErrSourceFileNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrSourceContentUnavailable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		a.log.Error("reprocess failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reprocess failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"record_id": rec.ID})
	}
}

func (a *api) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := a.env.Store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if a.notFound(w, err, "record not found") {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) getCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := a.env.Store.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if a.notFound(w, err, "customer not found") {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *api) deleteCustomer(w http.ResponseWriter, r *http.Request) {
	err := a.env.Store.DiscardCustomer(r.Context(), chi.URLParam(r, "id"))
	if a.notFound(w, err, "customer not found") {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// notFound writes the error response for a store lookup and reports whether
// the handler should stop.
func (a *api) notFound(w http.ResponseWriter, err error, msg string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, msg)
	default:
		a.log.Error("store lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
