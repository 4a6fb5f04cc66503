// Package server exposes the HTTP and WebSocket surface of Sublexa.
//
// Clients open a WebSocket against one of the vendor endpoints
// (/stt/speechmatics, /stt/elevenlabs), stream PCM16 audio frames, and
// receive caption and translation messages back on the same socket. Query
// parameters select the translation target and tune the session; they are
// validated before the connection is upgraded so that bad requests fail
// with a plain HTTP 400 instead of a cryptic WebSocket close.
//
// The plain endpoints (GET /, health, metrics) share the WebSocket origin
// policy through [Server.CORS].
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sublexa/sublexa/internal/observe"
	"github.com/sublexa/sublexa/internal/session"
	"github.com/sublexa/sublexa/pkg/asr"
	"github.com/sublexa/sublexa/pkg/llm"
	"github.com/sublexa/sublexa/pkg/translate"
	"github.com/sublexa/sublexa/pkg/translate/lang"
)

// Vendor endpoint labels. They name the route, the metrics attribute, and
// the log field for each ASR integration.
const (
	VendorSpeechmatics = "speechmatics"
	VendorElevenLabs   = "elevenlabs"
)

// Config carries the providers and session defaults the server hands to
// every connection. Nil providers disable their endpoint (or mode) with a
// 503 rather than failing construction, so a partially configured install
// still serves what it can.
type Config struct {
	// Speechmatics dials the diarizing vendor behind /stt/speechmatics.
	Speechmatics asr.Provider

	// ElevenLabs dials the single-speaker vendor behind /stt/elevenlabs.
	ElevenLabs asr.Provider

	// Quality translates sealed sentences in quality mode.
	Quality translate.Translator

	// Speed translates provisional tails, and everything in speed mode.
	// Every session needs it; nil makes both endpoints return 503.
	Speed translate.Translator

	// LLM drives tone detection, sentence splitting, and topic summaries.
	// Nil disables all three.
	LLM llm.Provider

	// Version is reported by the GET / info endpoint.
	Version string

	// AllowedOrigins are extra origin patterns accepted for WebSocket
	// upgrades and CORS, matched against the origin host. Same-host
	// callers are always allowed.
	AllowedOrigins []string

	// Session defaults, used when the query parameter is absent.
	DefaultAggressiveness  int
	DefaultPartialInterval int
	DefaultMode            string

	// TopicSummary enables the rolling topic line on every session.
	TopicSummary bool

	// Tracker observes session lifecycle. Nil disables tracking.
	Tracker SessionTracker

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// SessionInfo identifies one live caption session for lifecycle tracking.
type SessionInfo struct {
	ID         string
	Vendor     string
	TargetLang string
	StartedAt  time.Time
}

// SessionTracker follows sessions from upgrade to teardown. SessionStarted
// runs before the WebSocket upgrade; an error rejects the request with a
// plain 503, which is how a draining server turns new sessions away. The
// cancel function tears the session down from outside, for drains that
// outlive their deadline. SessionEnded runs after the session has fully
// stopped. Implementations must be safe for concurrent use.
type SessionTracker interface {
	SessionStarted(info SessionInfo, cancel context.CancelFunc) error
	SessionEnded(id string)
}

// Server routes caption sessions. Construct with [New] and mount with
// [Server.Register].
type Server struct {
	cfg Config
	log *slog.Logger
	met *observe.Metrics
}

// New validates defaults and returns a ready Server.
func New(cfg Config) (*Server, error) {
	switch cfg.DefaultMode {
	case "":
		cfg.DefaultMode = session.ModeQuality
	case session.ModeQuality, session.ModeSpeed:
	default:
		return nil, fmt.Errorf("server: default translator mode %q is invalid; valid values: quality, speed", cfg.DefaultMode)
	}
	if cfg.DefaultAggressiveness != 2 {
		cfg.DefaultAggressiveness = 1
	}
	if cfg.DefaultPartialInterval < 1 {
		cfg.DefaultPartialInterval = session.DefaultPartialInterval
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{cfg: cfg, log: cfg.Logger, met: cfg.Metrics}, nil
}

// Register mounts the info endpoint and both vendor WebSocket endpoints on
// mux. Health and metrics routes are mounted by the application container.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleInfo)
	mux.HandleFunc("GET /stt/speechmatics", s.handleSTT(VendorSpeechmatics, s.cfg.Speechmatics))
	mux.HandleFunc("GET /stt/elevenlabs", s.handleSTT(VendorElevenLabs, s.cfg.ElevenLabs))
}

// ─── Info + CORS ─────────────────────────────────────────────────────────────

// infoResponse is the GET / body.
type infoResponse struct {
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Service: "sublexa",
		Version: s.cfg.Version,
		Endpoints: []string{
			"/stt/speechmatics",
			"/stt/elevenlabs",
			"/healthz",
			"/readyz",
			"/metrics",
		},
	})
}

// CORS wraps next with the same origin policy the WebSocket upgrade
// enforces: same-host callers and hosts matching AllowedOrigins get the
// Access-Control-Allow-Origin echo, and their preflight requests are
// answered directly.
func (s *Server) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(r, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed reports whether origin may call this server. The host part
// of the origin is compared case-insensitively against the request host and
// then against each configured pattern, the same matching the WebSocket
// accept applies.
func (s *Server) originAllowed(r *http.Request, origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	if host == strings.ToLower(r.Host) {
		return true
	}
	for _, pattern := range s.cfg.AllowedOrigins {
		if ok, _ := path.Match(strings.ToLower(pattern), host); ok {
			return true
		}
	}
	return false
}

// ─── Query validation ────────────────────────────────────────────────────────

// sessionParams is the validated bundle of per-session query parameters.
type sessionParams struct {
	sourceLang      string
	targetLang      string
	aggressiveness  int
	partialInterval int
	mode            string
}

// sessionParams parses and validates the query before the upgrade. All
// problems are reported together so a client fixes its URL in one pass.
func (s *Server) sessionParams(r *http.Request) (sessionParams, error) {
	q := r.URL.Query()
	p := sessionParams{
		sourceLang:      strings.TrimSpace(q.Get("source_lang")),
		targetLang:      strings.TrimSpace(q.Get("target_lang")),
		aggressiveness:  s.cfg.DefaultAggressiveness,
		partialInterval: s.cfg.DefaultPartialInterval,
		mode:            s.cfg.DefaultMode,
	}

	var errs []error
	if p.targetLang == "" {
		errs = append(errs, errors.New("target_lang is required"))
	} else if !lang.Known(p.targetLang) {
		errs = append(errs, fmt.Errorf("target_lang %q is not a supported language", p.targetLang))
	}
	if p.sourceLang != "" && !lang.Known(p.sourceLang) {
		errs = append(errs, fmt.Errorf("source_lang %q is not a supported language", p.sourceLang))
	}
	if raw := q.Get("aggressiveness"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || (n != 1 && n != 2) {
			errs = append(errs, fmt.Errorf("aggressiveness %q is invalid; valid values: 1, 2", raw))
		} else {
			p.aggressiveness = n
		}
	}
	if raw := q.Get("partial_interval"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Errorf("partial_interval %q is invalid; must be a positive integer", raw))
		} else {
			p.partialInterval = n
		}
	}
	if raw := q.Get("translator_mode"); raw != "" {
		if raw != session.ModeQuality && raw != session.ModeSpeed {
			errs = append(errs, fmt.Errorf("translator_mode %q is invalid; valid values: quality, speed", raw))
		} else {
			p.mode = raw
		}
	}
	return p, errors.Join(errs...)
}

// pickTranslators resolves the two translation tiers for a mode. The speed
// backend carries partials in both modes, so it is always required.
func (s *Server) pickTranslators(mode string) (confirmed, partial translate.Translator, err error) {
	if s.cfg.Speed == nil {
		return nil, nil, errors.New("speed translator not configured")
	}
	if mode == session.ModeSpeed {
		return s.cfg.Speed, s.cfg.Speed, nil
	}
	if s.cfg.Quality == nil {
		return nil, nil, errors.New("quality translator not configured")
	}
	return s.cfg.Quality, s.cfg.Speed, nil
}

// ─── JSON helpers ────────────────────────────────────────────────────────────

// errorResponse is the JSON body for plain HTTP failures (400/503).
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeHTTPError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
