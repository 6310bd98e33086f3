package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/pkg/types"
)

// submitResponse is the two-field result of the submission endpoints.
// They answer 200 even when every item fails; the errors list carries
// the per-item reasons.
type submitResponse struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

func (r *Router) handleCollectorSubmit(w http.ResponseWriter, req *http.Request) {
	r.handleSubmit(w, req, r.hub.SubmitCollectedData)
}

func (r *Router) handleProcessorSubmit(w http.ResponseWriter, req *http.Request) {
	r.handleSubmit(w, req, r.hub.SubmitProcessedData)
}

func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request, submit func(context.Context, types.Document) error) {
	docs, stdErr := decodeSubmission(req)
	if stdErr != nil {
		stdErr.WriteHTTPError(w)
		return
	}

	var errs []string
	for _, doc := range docs {
		if err := submit(req.Context(), doc); err != nil {
			errs = append(errs, err.Error())
		}
	}
	writeJSON(w, http.StatusOK, submitResponse{OK: len(errs) == 0, Errors: errs})
}

// decodeSubmission accepts a single JSON object or an array of them.
// The auth token never reaches the pipeline: a top-level "token" field
// is stripped from every item.
func decodeSubmission(req *http.Request) ([]types.Document, *huberrors.StandardError) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, huberrors.New(huberrors.ErrorCodeValidationError, "Unreadable request body", nil)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, huberrors.NewRequiredFieldError("body")
	}

	var docs []types.Document
	if body[0] == '[' {
		if err := json.Unmarshal(body, &docs); err != nil {
			return nil, huberrors.New(huberrors.ErrorCodeValidationError, "Malformed JSON body", map[string]any{"cause": err.Error()})
		}
	} else {
		var doc types.Document
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, huberrors.New(huberrors.ErrorCodeValidationError, "Malformed JSON body", map[string]any{"cause": err.Error()})
		}
		docs = []types.Document{doc}
	}
	if len(docs) == 0 {
		return nil, huberrors.New(huberrors.ErrorCodeValidationError, "Empty submission batch", nil)
	}
	for _, doc := range docs {
		delete(doc, "token")
	}
	return docs, nil
}

func (r *Router) handleStatistics(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.hub.Statistics())
}

// healthResponse reports liveness plus the dependency states the
// summary exposes.
type healthResponse struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	VectorStatus string `json:"vector_status,omitempty"`
	Cached       int64  `json:"cached"`
	Archived     int64  `json:"archived"`
}

// handleHealth stays 200 even when the document store is down; the
// process is alive, so the status degrades instead.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(r.started).Round(time.Second).String(),
	}
	summary, err := r.hub.Summary(req.Context())
	if err != nil {
		resp.Status = "degraded"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.VectorStatus = summary.VectorStatus
	resp.Cached = summary.Cached
	resp.Archived = summary.Archived
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleOpenAPI(w http.ResponseWriter, req *http.Request) {
	if r.openAPI == nil {
		huberrors.New(huberrors.ErrorCodeNotFound, "OpenAPI document not available", nil).WriteHTTPError(w)
		return
	}
	data, err := r.openAPI()
	if err != nil {
		huberrors.NewInternalError("OpenAPI generation failed", err).WriteHTTPError(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
