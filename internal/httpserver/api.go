package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pastebin/internal/paste"
	"pastebin/internal/storage"
)

const healthTimeout = 5 * time.Second

type createResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type readResponse struct {
	Content        string     `json:"content"`
	RemainingViews *int       `json:"remaining_views"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleCreateAPI(w http.ResponseWriter, r *http.Request) {
	// JSON escaping can grow content up to six times.
	maxBody := int64(s.svc.MaxContentBytes())*6 + 4096
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	var body struct {
		Content    any `json:"content"`
		TTLSeconds any `json:"ttl_seconds"`
		MaxViews   any `json:"max_views"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	req, err := createRequest(body.Content, body.TTLSeconds, body.MaxViews)
	var created *storage.Paste
	if err == nil {
		created, err = s.svc.CreateAt(r.Context(), req, s.nowTime(r))
	}
	if err != nil {
		var ve *paste.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:   "validation failed",
				Details: map[string]string{ve.Field: ve.Reason},
			})
			return
		}
		s.apiStoreError(w, err)
		return
	}
	s.metrics.pasteCreated()

	writeJSON(w, http.StatusCreated, createResponse{
		ID:  created.ID,
		URL: s.canonicalURL(r, created.ID),
	})
}

func (s *Server) handleGetAPI(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.ReadAt(r.Context(), chi.URLParam(r, "id"), s.nowTime(r))
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			s.metrics.pasteRead(readUnavailable)
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "paste not found"})
			return
		}
		s.metrics.pasteRead(readError)
		s.apiStoreError(w, err)
		return
	}
	s.metrics.pasteRead(readOK)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, readResponse{
		Content:        p.Content,
		RemainingViews: p.RemainingViews(),
		ExpiresAt:      p.ExpiresAt,
	})
}

func (s *Server) handleHealthAPI(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if !s.svc.Health(ctx) {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{OK: false})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{OK: true})
}

// apiStoreError maps a store failure onto a status. The body never carries
// store error text.
func (s *Server) apiStoreError(w http.ResponseWriter, err error) {
	if storage.IsConnection(err) {
		s.logger.Error("store unreachable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service unavailable"})
		return
	}
	s.logger.Error("internal error", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}

// createRequest converts loosely typed JSON fields, reporting type mismatches
// as validation failures on the field that carried them.
func createRequest(content, ttl, maxViews any) (paste.CreateRequest, error) {
	var req paste.CreateRequest
	switch c := content.(type) {
	case nil:
	case string:
		req.Content = c
	default:
		return req, &paste.ValidationError{Field: "content", Reason: "must be a string"}
	}
	var err error
	if req.TTLSeconds, err = jsonInt("ttl_seconds", ttl); err != nil {
		return req, err
	}
	if req.MaxViews, err = jsonInt("max_views", maxViews); err != nil {
		return req, err
	}
	return req, nil
}

func jsonInt(field string, v any) (*int64, error) {
	if v == nil {
		return nil, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return nil, &paste.ValidationError{Field: field, Reason: "must be a positive integer"}
	}
	i, err := n.Int64()
	if err != nil {
		return nil, &paste.ValidationError{Field: field, Reason: "must be a positive integer"}
	}
	return &i, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
