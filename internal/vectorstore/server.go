package vectorstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"intelligence-hub/internal/logging"
)

const maxRestoreUpload = 512 << 20 // 512 MB archive cap

// Server exposes a VectorIndex over HTTP. The wire format is shared with
// the remote Client in this package.
type Server struct {
	index  VectorIndex
	logger logging.Logger
	router *mux.Router
}

// NewServer builds the HTTP facade over any VectorIndex.
func NewServer(index VectorIndex, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	s := &Server{index: index, logger: logger}
	s.setupRoutes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.jsonMiddleware)

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/collections", s.handleCreateCollection).Methods("POST")
	api.HandleFunc("/collections", s.handleListCollections).Methods("GET")
	api.HandleFunc("/collections/{collection}/upsert", s.handleUpsert).Methods("POST")
	api.HandleFunc("/collections/{collection}/search", s.handleSearch).Methods("POST")
	api.HandleFunc("/collections/{collection}/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/collections/{collection}/clear", s.handleClear).Methods("POST")
	api.HandleFunc("/collections/{collection}/documents", s.handleListDocuments).Methods("GET")
	api.HandleFunc("/collections/{collection}/documents/{doc_id}", s.handleDocumentExists).Methods("GET")
	api.HandleFunc("/collections/{collection}/documents/{doc_id}", s.handleDeleteDocument).Methods("DELETE")

	api.HandleFunc("/admin/backup", s.handleBackup).Methods("GET")
	api.HandleFunc("/admin/restore", s.handleRestore).Methods("POST")
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/admin/backup") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.index.Status(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "vectordb",
	})
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		ChunkSize    int    `json:"chunk_size"`
		ChunkOverlap int    `json:"chunk_overlap"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "Collection name is required")
		return
	}

	cfg, err := s.index.EnsureCollection(r.Context(), req.Name, req.ChunkSize, req.ChunkOverlap)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	name := cfg.Name
	cfg.Name = "" // the echoed config carries chunk parameters only
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Collection '%s' ready.", name),
		"config":  cfg,
	})
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	names, err := s.index.ListCollections(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"collections": names})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	var req struct {
		DocID    string         `json:"doc_id"`
		Text     *string        `json:"text"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DocID == "" {
		s.sendError(w, http.StatusBadRequest, "doc_id is required")
		return
	}
	if req.Text == nil {
		s.sendError(w, http.StatusBadRequest, "text is required")
		return
	}

	chunks, err := s.index.Upsert(r.Context(), collection, req.DocID, *req.Text, req.Metadata)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"doc_id":         req.DocID,
		"chunks_created": chunks,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	var req struct {
		Query          string         `json:"query"`
		TopN           int            `json:"top_n"`
		ScoreThreshold float64        `json:"score_threshold"`
		FilterCriteria map[string]any `json:"filter_criteria"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Query == "" {
		s.sendError(w, http.StatusBadRequest, "query string is required")
		return
	}
	if req.TopN <= 0 {
		req.TopN = defaultTopN
	}

	hits, err := s.index.Search(r.Context(), collection, req.Query, req.TopN, req.ScoreThreshold, req.FilterCriteria)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if hits == nil {
		hits = []SearchHit{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	count, err := s.index.Count(r.Context(), collection)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"collection":  collection,
		"chunk_count": count,
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	if err := s.index.Clear(r.Context(), collection); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":     "cleared",
		"collection": collection,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	page, err := s.index.ListDocuments(r.Context(), collection, limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, page)
}

func (s *Server) handleDocumentExists(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	collection, docID := vars["collection"], vars["doc_id"]

	exists, err := s.index.Exists(r.Context(), collection, docID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"doc_id": docID,
		"exists": exists,
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	collection, docID := vars["collection"], vars["doc_id"]

	deleted, err := s.index.DeleteDocument(r.Context(), collection, docID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !deleted {
		s.sendJSON(w, http.StatusNotFound, map[string]string{
			"status":  "warning",
			"message": "Document not found",
		})
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"doc_id": docID,
	})
}

// handleBackup snapshots into a temp file first so a mid-dump failure
// returns a clean error instead of a truncated download.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	tmp, err := os.CreateTemp("", "vectordb-backup-*.zip")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := s.index.Backup(r.Context(), tmp); err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeServiceError(w, err)
		return
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeServiceError(w, err)
		return
	}

	name := BackupName(time.Now())
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := io.Copy(w, tmp); err != nil {
		s.logger.Warn("Backup download interrupted", "error", err)
	}
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRestoreUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "No file part")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		s.sendError(w, http.StatusBadRequest, "No selected file")
		return
	}
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
		s.sendError(w, http.StatusBadRequest, "Only .zip files are allowed")
		return
	}

	tmp, err := os.CreateTemp("", "vectordb-restore-*.zip")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		s.writeServiceError(w, fmt.Errorf("save upload: %w", err))
		return
	}
	if err := tmp.Close(); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("Restoring vector database", "archive", filepath.Base(header.Filename))
	if err := s.index.Restore(r.Context(), tmpPath); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Database restored and reloaded.",
	})
}

// writeServiceError maps engine lifecycle and lookup failures onto the
// wire contract.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var notFound *NotFoundError
	var failed *FailedError
	switch {
	case errors.Is(err, ErrInitializing):
		s.sendJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":       "Engine initializing",
			"retry_after": 5,
		})
	case errors.As(err, &notFound):
		s.sendError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &failed):
		s.sendError(w, http.StatusInternalServerError, failed.Error())
	default:
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
