package server_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sublexa/sublexa/internal/server"
	asrmock "github.com/sublexa/sublexa/pkg/asr/mock"
	translatemock "github.com/sublexa/sublexa/pkg/translate/mock"
)

const waitTimeout = 5 * time.Second

// ── Harness ──────────────────────────────────────────────────────────────────

// testServer bundles a Server mounted on httptest with the mocks behind it.
type testServer struct {
	srv      *httptest.Server
	provider *asrmock.Provider
	session  *asrmock.Session
	quality  *translatemock.Translator
	speed    *translatemock.Translator
}

// newTestServer builds a Server over fresh mocks, mounts it the way the
// application container does (mux behind the CORS wrapper), and starts an
// httptest server. mutate may adjust the Config before construction.
func newTestServer(t *testing.T, mutate func(*server.Config)) *testServer {
	t.Helper()

	ts := &testServer{
		session: asrmock.NewSession(),
		quality: &translatemock.Translator{},
		speed:   &translatemock.Translator{},
	}
	ts.provider = &asrmock.Provider{Session: ts.session}

	cfg := server.Config{
		Speechmatics: ts.provider,
		ElevenLabs:   ts.provider,
		Quality:      ts.quality,
		Speed:        ts.speed,
		Version:      "test",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := server.New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	mux := http.NewServeMux()
	s.Register(mux)
	ts.srv = httptest.NewServer(s.CORS(mux))
	t.Cleanup(ts.srv.Close)
	return ts
}

// getJSON issues a plain GET, decodes the JSON body into v when v is
// non-nil, and returns the status code.
func getJSON(t *testing.T, rawURL string, v any) int {
	t.Helper()
	resp, err := http.Get(rawURL)
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", rawURL, err)
		}
	}
	return resp.StatusCode
}

// doRequest issues a request with extra headers and returns the response.
func doRequest(t *testing.T, method, rawURL string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// errorBody decodes the {"error": ...} payload of a failed request.
func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNewRejectsUnknownDefaultMode(t *testing.T) {
	t.Parallel()

	_, err := server.New(server.Config{DefaultMode: "turbo"})
	if err == nil {
		t.Fatal("expected an error for an unknown default mode")
	}
	if !strings.Contains(err.Error(), "translator mode") {
		t.Errorf("error = %q; want it to name the translator mode", err)
	}
}

// ── Info endpoint ────────────────────────────────────────────────────────────

func TestInfoEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	t.Run("describes the service", func(t *testing.T) {
		var info struct {
			Service   string   `json:"service"`
			Version   string   `json:"version"`
			Endpoints []string `json:"endpoints"`
		}
		if status := getJSON(t, ts.srv.URL+"/", &info); status != http.StatusOK {
			t.Fatalf("GET / status = %d; want 200", status)
		}
		if info.Service != "sublexa" {
			t.Errorf("service = %q; want sublexa", info.Service)
		}
		if info.Version != "test" {
			t.Errorf("version = %q; want test", info.Version)
		}
		for _, want := range []string{"/stt/speechmatics", "/stt/elevenlabs", "/metrics"} {
			found := false
			for _, e := range info.Endpoints {
				if e == want {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("endpoints %v missing %s", info.Endpoints, want)
			}
		}
	})

	t.Run("unknown paths are 404", func(t *testing.T) {
		if status := getJSON(t, ts.srv.URL+"/stt/nope", nil); status != http.StatusNotFound {
			t.Errorf("GET /stt/nope status = %d; want 404", status)
		}
	})
}

// ── Query validation ─────────────────────────────────────────────────────────

func TestSessionParamValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "missing target lang",
			query: "",
			want:  []string{"target_lang is required"},
		},
		{
			name:  "unknown target lang",
			query: "target_lang=xx",
			want:  []string{`target_lang "xx" is not a supported language`},
		},
		{
			name:  "unknown source lang",
			query: "target_lang=es&source_lang=zz",
			want:  []string{`source_lang "zz" is not a supported language`},
		},
		{
			name:  "aggressiveness out of range",
			query: "target_lang=es&aggressiveness=3",
			want:  []string{`aggressiveness "3" is invalid`},
		},
		{
			name:  "aggressiveness not a number",
			query: "target_lang=es&aggressiveness=max",
			want:  []string{`aggressiveness "max" is invalid`},
		},
		{
			name:  "partial interval zero",
			query: "target_lang=es&partial_interval=0",
			want:  []string{`partial_interval "0" is invalid`},
		},
		{
			name:  "partial interval garbage",
			query: "target_lang=es&partial_interval=soon",
			want:  []string{`partial_interval "soon" is invalid`},
		},
		{
			name:  "unknown translator mode",
			query: "target_lang=es&translator_mode=instant",
			want:  []string{`translator_mode "instant" is invalid`},
		},
		{
			name:  "all problems reported together",
			query: "aggressiveness=9&partial_interval=-2",
			want: []string{
				"target_lang is required",
				`aggressiveness "9" is invalid`,
				`partial_interval "-2" is invalid`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodGet, ts.srv.URL+"/stt/speechmatics?"+tt.query, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d; want 400", resp.StatusCode)
			}
			body := errorBody(t, resp)
			for _, want := range tt.want {
				if !strings.Contains(body, want) {
					t.Errorf("error %q missing %q", body, want)
				}
			}
		})
	}
}

// ── Unconfigured backends ────────────────────────────────────────────────────

func TestMissingVendorIs503(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(cfg *server.Config) {
		cfg.ElevenLabs = nil
	})

	resp := doRequest(t, http.MethodGet, ts.srv.URL+"/stt/elevenlabs?target_lang=es", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d; want 503", resp.StatusCode)
	}
	if body := errorBody(t, resp); !strings.Contains(body, "elevenlabs vendor not configured") {
		t.Errorf("error = %q; want the vendor named", body)
	}
}

func TestMissingTranslatorIs503(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		mut   func(*server.Config)
		want  string
	}{
		{
			name:  "quality mode without quality backend",
			query: "target_lang=es",
			mut:   func(cfg *server.Config) { cfg.Quality = nil },
			want:  "quality translator not configured",
		},
		{
			name:  "quality mode without speed backend",
			query: "target_lang=es",
			mut:   func(cfg *server.Config) { cfg.Speed = nil },
			want:  "speed translator not configured",
		},
		{
			name:  "speed mode without speed backend",
			query: "target_lang=es&translator_mode=speed",
			mut:   func(cfg *server.Config) { cfg.Speed = nil },
			want:  "speed translator not configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.mut)
			resp := doRequest(t, http.MethodGet, ts.srv.URL+"/stt/speechmatics?"+tt.query, nil)
			if resp.StatusCode != http.StatusServiceUnavailable {
				t.Fatalf("status = %d; want 503", resp.StatusCode)
			}
			if body := errorBody(t, resp); !strings.Contains(body, tt.want) {
				t.Errorf("error = %q; want %q", body, tt.want)
			}
		})
	}
}

// ── CORS ─────────────────────────────────────────────────────────────────────

func TestCORSPolicy(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"captions.example.com", "*.trusted.test"}
	})

	t.Run("allowed origin is echoed", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.srv.URL+"/", map[string]string{
			"Origin": "https://captions.example.com",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d; want 200", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://captions.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q; want the origin echoed", got)
		}
		if !strings.Contains(resp.Header.Get("Vary"), "Origin") {
			t.Errorf("Vary = %q; want Origin listed", resp.Header.Get("Vary"))
		}
	})

	t.Run("wildcard pattern matches subdomains", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.srv.URL+"/", map[string]string{
			"Origin": "https://app.trusted.test",
		})
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.trusted.test" {
			t.Errorf("Access-Control-Allow-Origin = %q; want the origin echoed", got)
		}
	})

	t.Run("matching ignores case", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.srv.URL+"/", map[string]string{
			"Origin": "https://Captions.Example.Com",
		})
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got == "" {
			t.Error("mixed-case origin should still be allowed")
		}
	})

	t.Run("same host is always allowed", func(t *testing.T) {
		u, err := url.Parse(ts.srv.URL)
		if err != nil {
			t.Fatalf("parse server url: %v", err)
		}
		resp := doRequest(t, http.MethodGet, ts.srv.URL+"/", map[string]string{
			"Origin": "http://" + u.Host,
		})
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got == "" {
			t.Error("same-host origin should be allowed without configuration")
		}
	})

	t.Run("unknown origin gets no headers", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.srv.URL+"/", map[string]string{
			"Origin": "https://evil.test",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d; want 200 (the request itself is still served)", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q; want empty", got)
		}
	})

	t.Run("preflight from allowed origin is answered", func(t *testing.T) {
		resp := doRequest(t, http.MethodOptions, ts.srv.URL+"/", map[string]string{
			"Origin":                        "https://captions.example.com",
			"Access-Control-Request-Method": "GET",
		})
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d; want 204", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "GET") {
			t.Errorf("Access-Control-Allow-Methods = %q; want GET listed", got)
		}
	})

	t.Run("preflight from unknown origin falls through", func(t *testing.T) {
		resp := doRequest(t, http.MethodOptions, ts.srv.URL+"/", map[string]string{
			"Origin": "https://evil.test",
		})
		if resp.StatusCode == http.StatusNoContent {
			t.Error("preflight for an unknown origin must not be acknowledged")
		}
	})
}
