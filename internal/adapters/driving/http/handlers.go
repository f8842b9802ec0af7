package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/custodia-labs/sercha-ingest/internal/core/domain"
	"github.com/custodia-labs/sercha-ingest/internal/core/ports/driving"
)

const (
	maxBodyBytes = 10 << 20

	defaultSearchK = 10
	maxSearchK     = 100
)

// ErrorResponse represents an API error response
// @Description API error response
type ErrorResponse struct {
	Error string `json:"error" example:"invalid request body"`
}

// StatusResponse represents a simple status response
// @Description Simple status response
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
}

// ReadyResponse reports every dependency checked by the readiness probe
type ReadyResponse struct {
	Status     string            `json:"status" example:"ready"`
	Components map[string]string `json:"components"`
}

// VectorRefsRequest asks for the records behind vector index hits
type VectorRefsRequest struct {
	Refs []string `json:"vector_index_refs"`
}

// SearchRequest is a nearest-neighbour query
type SearchRequest struct {
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

// Health endpoints

// handleHealth godoc
// @Summary      Liveness check
// @Tags         Health
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Router       /health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleReady godoc
// @Summary      Readiness check
// @Description  Checks the relational store, the vector index and the broker
// @Tags         Health
// @Produce      json
// @Success      200  {object}  ReadyResponse
// @Failure      503  {object}  ReadyResponse
// @Router       /ready [get]
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready", Components: map[string]string{}}
	status := http.StatusOK

	if s.health != nil {
		for name, err := range s.health.Check(r.Context()) {
			if err != nil {
				resp.Components[name] = err.Error()
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Components[name] = "ok"
		}
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// Text data endpoints

// handleCreateTextData godoc
// @Summary      Ingest text
// @Description  Stores text with its embedding. Identical content for the same url returns the existing record.
// @Tags         TextData
// @Accept       json
// @Produce      json
// @Param        request  body      domain.IngestRequest  true  "Text, url, source name and vector"
// @Success      201      {object}  domain.TextRecordView
// @Failure      400      {object}  ErrorResponse  "Invalid input"
// @Failure      503      {object}  ErrorResponse  "Store or index unavailable"
// @Router       /text-data [post]
func (s *Server) handleCreateTextData(w http.ResponseWriter, r *http.Request) {
	var req domain.IngestRequest
	if !s.decode(w, r, &req) {
		return
	}

	view, err := s.ingestion.Create(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to ingest text")
		return
	}

	writeJSON(w, http.StatusCreated, view)
}

// handleGetTextData godoc
// @Summary      Get text record
// @Tags         TextData
// @Produce      json
// @Param        id   path      string  true  "Text record ID"
// @Success      200  {object}  domain.TextRecordView
// @Failure      404  {object}  ErrorResponse  "Text record not found"
// @Router       /text-data/{id} [get]
func (s *Server) handleGetTextData(w http.ResponseWriter, r *http.Request) {
	view, err := s.ingestion.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err, "failed to get text record")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleUpdateTextData godoc
// @Summary      Update text record
// @Description  Partial update of text, url and/or vector
// @Tags         TextData
// @Accept       json
// @Produce      json
// @Param        id       path      string                  true  "Text record ID"
// @Param        request  body      domain.TextRecordPatch  true  "Fields to change"
// @Success      200      {object}  domain.TextRecordView
// @Failure      400      {object}  ErrorResponse  "Invalid input"
// @Failure      404      {object}  ErrorResponse  "Text record not found"
// @Failure      409      {object}  ErrorResponse  "Nothing to change"
// @Router       /text-data/{id} [put]
func (s *Server) handleUpdateTextData(w http.ResponseWriter, r *http.Request) {
	var patch domain.TextRecordPatch
	if !s.decode(w, r, &patch) {
		return
	}

	view, err := s.ingestion.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to update text record")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteTextData(w http.ResponseWriter, r *http.Request) {
	if err := s.ingestion.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err, "failed to delete text record")
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

func (s *Server) handleGetByVectorRefs(w http.ResponseWriter, r *http.Request) {
	var req VectorRefsRequest
	if !s.decode(w, r, &req) {
		return
	}

	views, err := s.ingestion.GetByVectorRefs(r.Context(), req.Refs)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to resolve vector refs")
		return
	}

	writeJSON(w, http.StatusOK, views)
}

// handleSearchVectors godoc
// @Summary      Nearest-neighbour search
// @Tags         Vectors
// @Accept       json
// @Produce      json
// @Param        request  body      SearchRequest  true  "Query vector and k (default 10, max 100)"
// @Success      200      {array}   domain.VectorHit
// @Failure      400      {object}  ErrorResponse  "Invalid input"
// @Router       /vectors/search [post]
func (s *Server) handleSearchVectors(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.K == 0 {
		req.K = defaultSearchK
	}
	if req.K < 0 || req.K > maxSearchK {
		writeError(w, http.StatusBadRequest, "k must be between 1 and 100")
		return
	}

	hits, err := s.ingestion.SearchNeighbors(r.Context(), req.Vector, req.K)
	if err != nil {
		s.writeServiceError(w, r, err, "search failed")
		return
	}

	writeJSON(w, http.StatusOK, hits)
}

// handleCheckProcessedURL godoc
// @Summary      Check a processed url
// @Description  Returns the latest ingestion of url so callers can skip it
// @Tags         ProcessedURLs
// @Produce      json
// @Param        url  query     string  true  "Document url"
// @Success      200  {object}  domain.ProcessedURLView
// @Failure      400  {object}  ErrorResponse  "Missing url"
// @Failure      404  {object}  ErrorResponse  "Url never ingested"
// @Router       /processed-urls/check [get]
func (s *Server) handleCheckProcessedURL(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}

	view, err := s.ingestion.CheckURL(r.Context(), url)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to check processed url")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// Source endpoints

// handleListSources godoc
// @Summary      List sources
// @Description  Lists sources newest first, or looks one up with ?name=
// @Tags         Sources
// @Produce      json
// @Param        name    query     string  false  "Exact source name"
// @Param        limit   query     int     false  "Page size (default 100)"
// @Param        offset  query     int     false  "Page offset"
// @Success      200  {array}   domain.Source
// @Failure      404  {object}  ErrorResponse  "No source with that name"
// @Router       /sources [get]
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if name := q.Get("name"); name != "" {
		source, err := s.sources.CheckByName(r.Context(), name)
		if err != nil {
			s.writeServiceError(w, r, err, "failed to get source")
			return
		}
		writeJSON(w, http.StatusOK, []*domain.Source{source})
		return
	}

	limit, err1 := queryInt(q.Get("limit"))
	offset, err2 := queryInt(q.Get("offset"))
	if err1 != nil || err2 != nil || limit < 0 || offset < 0 {
		writeError(w, http.StatusBadRequest, "limit and offset must be non-negative integers")
		return
	}

	sources, err := s.sources.List(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to list sources")
		return
	}

	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	source, err := s.sources.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err, "failed to get source")
		return
	}

	writeJSON(w, http.StatusOK, source)
}

// handleCreateSource godoc
// @Summary      Create source
// @Tags         Sources
// @Accept       json
// @Produce      json
// @Param        request  body      driving.CreateSourceRequest  true  "Source name and url"
// @Success      201      {object}  domain.Source
// @Failure      400      {object}  ErrorResponse  "Invalid input"
// @Failure      409      {object}  ErrorResponse  "Source already exists"
// @Router       /sources [post]
func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req driving.CreateSourceRequest
	if !s.decode(w, r, &req) {
		return
	}

	source, err := s.sources.Create(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to create source")
		return
	}

	writeJSON(w, http.StatusCreated, source)
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	var req driving.UpdateSourceRequest
	if !s.decode(w, r, &req) {
		return
	}

	source, err := s.sources.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeServiceError(w, r, err, "failed to update source")
		return
	}

	writeJSON(w, http.StatusOK, source)
}

// handleDeleteSource godoc
// @Summary      Delete source
// @Description  Deletes a source and its processed urls. Text records stay, unlinked.
// @Tags         Sources
// @Produce      json
// @Param        id   path      string  true  "Source ID"
// @Success      200  {object}  StatusResponse
// @Failure      404  {object}  ErrorResponse  "Source not found"
// @Router       /sources/{id} [delete]
func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.sources.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err, "failed to delete source")
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// Helper functions

// decode reads a JSON body into v and answers 400 itself on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps a domain error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrNoChange):
		return http.StatusConflict
	case errors.Is(err, domain.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError answers with the status for err. Client errors carry the
// error text; server errors are logged and answered with fallback.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(fallback, "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, fallback)
		return
	}
	writeError(w, status, err.Error())
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
