package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"

	"pastebin/internal/paste"
	"pastebin/internal/storage"
)

type indexPageData struct {
	Content    string
	TTLSeconds string
	MaxViews   string
	Error      string
	MaxBytes   int
}

type createdPageData struct {
	ID        string
	URL       string
	ExpiresIn string
	ViewsLeft string
}

type viewPageData struct {
	Paste     *storage.Paste
	ExpiresIn string
	ViewsLeft string
	Canonical string
}

type errorPageData struct {
	Message string
}

type titled interface {
	PageTitle() string
}

func (d indexPageData) PageTitle() string {
	return "New Paste · Pastebin"
}

func (d createdPageData) PageTitle() string {
	return "Paste Created · Pastebin"
}

func (d viewPageData) PageTitle() string {
	if d.Paste != nil && d.Paste.ID != "" {
		return fmt.Sprintf("%s · Pastebin", d.Paste.ID)
	}
	return "View Paste · Pastebin"
}

func (d errorPageData) PageTitle() string {
	if d.Message == "" {
		return "Pastebin"
	}
	return d.Message + " · Pastebin"
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "index", indexPageData{MaxBytes: s.svc.MaxContentBytes()})
}

func (s *Server) handleCreateForm(w http.ResponseWriter, r *http.Request) {
	maxBody := int64(s.svc.MaxContentBytes())*3 + 4096
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	data := indexPageData{MaxBytes: s.svc.MaxContentBytes()}
	if err := r.ParseForm(); err != nil {
		data.Error = "Unable to parse form"
		s.render(w, r, http.StatusBadRequest, "index", data)
		return
	}

	data.Content = r.FormValue("content")
	data.TTLSeconds = strings.TrimSpace(r.FormValue("ttl_seconds"))
	data.MaxViews = strings.TrimSpace(r.FormValue("max_views"))

	req := paste.CreateRequest{Content: data.Content}
	var err error
	if req.TTLSeconds, err = formInt("ttl_seconds", data.TTLSeconds); err == nil {
		req.MaxViews, err = formInt("max_views", data.MaxViews)
	}
	var created *storage.Paste
	if err == nil {
		created, err = s.svc.CreateAt(r.Context(), req, s.nowTime(r))
	}
	if err != nil {
		var ve *paste.ValidationError
		if errors.As(err, &ve) {
			data.Error = ve.Error()
			s.render(w, r, http.StatusBadRequest, "index", data)
			return
		}
		s.storeError(w, r, err)
		return
	}
	s.metrics.pasteCreated()

	s.render(w, r, http.StatusCreated, "created", createdPageData{
		ID:        created.ID,
		URL:       s.canonicalURL(r, created.ID),
		ExpiresIn: remaining(created.ExpiresAt, created.CreatedAt),
		ViewsLeft: viewsLeft(created),
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	p, ok := s.consume(w, r)
	if !ok {
		return
	}
	data := viewPageData{
		Paste:     p,
		ExpiresIn: remaining(p.ExpiresAt, s.nowTime(r)),
		ViewsLeft: viewsLeft(p),
		Canonical: s.canonicalURL(r, p.ID),
	}
	w.Header().Set("Cache-Control", "no-store")
	s.render(w, r, http.StatusOK, "view", data)
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	p, ok := s.consume(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.WriteString(w, p.Content)
}

// handleQR encodes the share link. It reads the paste without consuming a view.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.PeekAt(r.Context(), id, s.nowTime(r)); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			s.notFound(w, r)
			return
		}
		s.storeError(w, r, err)
		return
	}

	png, err := qrcode.Encode(s.canonicalURL(r, id), qrcode.Medium, 256)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// consume reads one view of the paste named in the URL, writing the error
// page itself when the read fails.
func (s *Server) consume(w http.ResponseWriter, r *http.Request) (*storage.Paste, bool) {
	p, err := s.svc.ReadAt(r.Context(), chi.URLParam(r, "id"), s.nowTime(r))
	switch {
	case err == nil:
		s.metrics.pasteRead(readOK)
		return p, true
	case errors.Is(err, storage.ErrUnavailable):
		s.metrics.pasteRead(readUnavailable)
		s.notFound(w, r)
	default:
		s.metrics.pasteRead(readError)
		s.storeError(w, r, err)
	}
	return nil, false
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	title := "Pastebin"
	if t, ok := data.(titled); ok {
		if pt := t.PageTitle(); pt != "" {
			title = pt
		}
	}
	body := &bytes.Buffer{}
	bodyTemplate := name + "-body"
	if err := s.templates.ExecuteTemplate(body, bodyTemplate, data); err != nil {
		s.handleTemplateError(w, status, bodyTemplate, err)
		return
	}
	layoutBuf := &bytes.Buffer{}
	layoutData := struct {
		Title string
		Body  template.HTML
	}{
		Title: title,
		Body:  template.HTML(body.String()),
	}
	if err := s.templates.ExecuteTemplate(layoutBuf, "layout", layoutData); err != nil {
		s.handleTemplateError(w, status, "layout", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = layoutBuf.WriteTo(w)
}

func (s *Server) handleTemplateError(w http.ResponseWriter, status int, name string, err error) {
	s.logger.Error("render template", "error", err, "template", name)
	http.Error(w, "Template error", status)
}

// storeError renders the page for a failed store call. Store details stay in
// the log.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if storage.IsConnection(err) {
		s.logger.Error("store unreachable", "error", err)
		s.render(w, r, http.StatusServiceUnavailable, "error", errorPageData{Message: "Service unavailable"})
		return
	}
	s.serverError(w, r, err)
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("internal error", "error", err)
	s.render(w, r, http.StatusInternalServerError, "error", errorPageData{Message: "Internal server error"})
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusNotFound, "error", errorPageData{Message: "Not found or expired"})
}

// formInt parses an optional integer form field. Blank means unset.
func formInt(field, raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, &paste.ValidationError{Field: field, Reason: "must be a positive integer"}
	}
	return &v, nil
}

func viewsLeft(p *storage.Paste) string {
	left := p.RemainingViews()
	if left == nil {
		return "Unlimited views"
	}
	if *left == 0 {
		return "This was the last view"
	}
	return plural(*left, "view") + " left"
}

func remaining(expires *time.Time, now time.Time) string {
	if expires == nil {
		return "Never"
	}
	if !now.Before(*expires) {
		return "Expired"
	}
	dur := expires.Sub(now)
	if dur < time.Second {
		return "Less than a second"
	}
	units := []struct {
		d    time.Duration
		name string
	}{
		{time.Hour * 24, "day"},
		{time.Hour, "hour"},
		{time.Minute, "minute"},
	}
	parts := make([]string, 0, len(units))
	for _, u := range units {
		if dur >= u.d {
			count := dur / u.d
			parts = append(parts, plural(int(count), u.name))
			dur -= count * u.d
		}
	}
	if len(parts) == 0 {
		seconds := int(dur.Seconds())
		if seconds <= 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", seconds)
	}
	return strings.Join(parts, ", ")
}

func plural(count int, singular string) string {
	if count == 1 {
		return fmt.Sprintf("1 %s", singular)
	}
	return fmt.Sprintf("%d %ss", count, singular)
}
