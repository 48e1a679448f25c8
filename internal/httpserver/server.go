package httpserver

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"pastebin/internal/paste"
	"pastebin/web"
)

// TestNowHeader overrides the clock for a single request when test mode is on.
// The value is epoch milliseconds.
const TestNowHeader = "X-Test-Now-Ms"

// Config captures server configuration.
type Config struct {
	Service        *paste.Service
	TrustProxy     bool
	BaseURL        string
	AllowedOrigins []string
	TestMode       bool
	EnableMetrics  bool
	Registry       *prometheus.Registry
	Logger         *slog.Logger
}

// Server wraps HTTP handling logic.
type Server struct {
	svc            *paste.Service
	router         chi.Router
	templates      *template.Template
	trustProxy     bool
	testMode       bool
	baseURL        *url.URL
	allowedOrigins []string
	metrics        *metrics
	logger         *slog.Logger
}

// New constructs a new Server instance.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("paste service required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	tmpl, err := template.New("layout").Funcs(template.FuncMap{
		"formatTime": func(t time.Time) string {
			if t.IsZero() {
				return "Never"
			}
			return t.UTC().Format(time.RFC1123)
		},
		"formatSize": func(size int) string {
			if size < 1024 {
				return fmt.Sprintf("%d B", size)
			}
			const unit = 1024.0
			kb := float64(size)
			for _, suffix := range []string{"KB", "MB", "GB"} {
				kb /= unit
				if kb < unit {
					return fmt.Sprintf("%.1f %s", kb, suffix)
				}
			}
			return fmt.Sprintf("%d B", size)
		},
	}).ParseFS(web.Templates, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	var parsedBase *url.URL
	if cfg.BaseURL != "" {
		parsedBase, err = url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base url: %w", err)
		}
		if parsedBase.Scheme == "" || parsedBase.Host == "" {
			return nil, errors.New("base url must include scheme and host")
		}
		parsedBase.Path = strings.TrimSuffix(parsedBase.Path, "/")
	}

	var m *metrics
	if cfg.EnableMetrics {
		reg := cfg.Registry
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		m, err = newMetrics(reg)
		if err != nil {
			return nil, err
		}
	}

	srv := &Server{
		svc:            cfg.Service,
		router:         chi.NewRouter(),
		templates:      tmpl,
		trustProxy:     cfg.TrustProxy,
		testMode:       cfg.TestMode,
		baseURL:        parsedBase,
		allowedOrigins: cfg.AllowedOrigins,
		metrics:        m,
		logger:         cfg.Logger,
	}
	srv.routes()
	return srv, nil
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.metrics.instrument)
	r.Use(middleware.Compress(5, "text/html", "text/plain", "text/css", "application/json"))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	fileServer := http.FileServer(http.FS(web.Static))
	r.Handle("/static/*", fileServer)

	r.Get("/", s.handleIndex)
	r.Post("/pastes", s.handleCreateForm)

	r.Route("/p/{id}", func(pr chi.Router) {
		pr.Get("/", s.handleView)
		pr.Get("/raw", s.handleRaw)
		pr.Get("/qr", s.handleQR)
	})

	r.Route("/api", func(ar chi.Router) {
		if len(s.allowedOrigins) > 0 {
			ar.Use(cors.Handler(cors.Options{
				AllowedOrigins: s.allowedOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Content-Type", TestNowHeader},
				MaxAge:         300,
			}))
		}
		ar.Post("/pastes", s.handleCreateAPI)
		ar.Get("/pastes/{id}", s.handleGetAPI)
		ar.Get("/healthz", s.handleHealthAPI)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.handler())
	}
}

func (s *Server) isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if s.baseURL != nil && s.baseURL.Scheme == "https" {
		return true
	}
	if s.trustProxy {
		proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto"))
		if proto == "https" {
			return true
		}
	}
	return false
}

func (s *Server) canonicalURL(r *http.Request, id string) string {
	if s.baseURL != nil {
		u := *s.baseURL
		if id != "" {
			u.Path = strings.TrimSuffix(u.Path, "/") + "/p/" + id
		}
		return u.String()
	}

	scheme := "http"
	if s.isSecureRequest(r) {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	path := "/"
	if id != "" {
		path = "/p/" + id
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}

// nowTime returns the clock for r. In test mode a valid X-Test-Now-Ms header
// replaces the service clock for both creation and availability decisions.
func (s *Server) nowTime(r *http.Request) time.Time {
	if s.testMode {
		if raw := r.Header.Get(TestNowHeader); raw != "" {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return time.UnixMilli(ms).UTC()
			}
		}
	}
	return s.svc.Now()
}
