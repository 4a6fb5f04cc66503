// Package quality provides the document-quality translation backend used
// for sealed sentences. It speaks a DeepL-compatible REST API over HTTP/2
// and injects rolling context, formality, and custom instructions.
package quality

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/sublexa/sublexa/pkg/translate"
	"github.com/sublexa/sublexa/pkg/translate/lang"
)

const (
	defaultBaseURL = "https://api-free.deepl.com"
	defaultTimeout = 10 * time.Second
)

// toneFormality maps detected tones to the backend's formality parameter.
// Default-formality tones are omitted from the request entirely.
var toneFormality = map[translate.Tone]string{
	translate.ToneCasual: "prefer_less",
	translate.ToneFormal: "prefer_more",
}

// baseInstructions are sent with every quality-optimized request for targets
// that accept custom instructions. They compensate for ASR noise in the
// source text.
var baseInstructions = []string{
	"The source text is auto-generated speech recognition which may contain errors or mishearings.",
	"Translate the speaker's intent, not the literal text. Infer meaning from context if the transcript is garbled.",
	"Produce natural, fluent output as if a native speaker were explaining the same idea.",
}

// Option is a functional option for Translator.
type Option func(*Translator)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(t *Translator) {
		t.baseURL = url
	}
}

// WithHTTPClient replaces the default HTTP/2 client. Tests use this to point
// at httptest servers.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Translator) {
		t.client = c
	}
}

// Translator implements translate.Translator against a DeepL-compatible
// /v2/translate endpoint.
type Translator struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a quality Translator. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Translator, error) {
	if apiKey == "" {
		return nil, errors.New("quality: apiKey must not be empty")
	}
	t := &Translator{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(t)
	}
	if t.client == nil {
		t.client = &http.Client{
			Timeout:   defaultTimeout,
			Transport: newH2Transport(),
		}
	}
	return t, nil
}

// newH2Transport builds an HTTP/2 transport. Sealed sentences arrive in
// bursts; multiplexing them over one connection avoids per-request TLS
// handshakes on the latency path.
func newH2Transport() *http2.Transport {
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			d := &tls.Dialer{Config: cfg}
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
}

// request is the /v2/translate request body.
type request struct {
	Text               []string `json:"text"`
	TargetLang         string   `json:"target_lang"`
	SourceLang         string   `json:"source_lang,omitempty"`
	SplitSentences     string   `json:"split_sentences"`
	ModelType          string   `json:"model_type"`
	Context            string   `json:"context,omitempty"`
	Formality          string   `json:"formality,omitempty"`
	CustomInstructions []string `json:"custom_instructions,omitempty"`
}

// response is the /v2/translate response body.
type response struct {
	Translations []struct {
		Text                   string `json:"text"`
		DetectedSourceLanguage string `json:"detected_source_language"`
	} `json:"translations"`
}

// Translate implements translate.Translator. Failures are classified:
// 429 and 5xx responses and transport errors are transient, other non-2xx
// statuses are fatal.
func (t *Translator) Translate(ctx context.Context, req translate.Request) (string, error) {
	target, ok := lang.QualityTarget(req.TargetLang)
	if !ok {
		return "", translate.NewFatal("quality: translate",
			fmt.Errorf("unsupported target language %q", req.TargetLang))
	}

	body := request{
		Text:           []string{req.Text},
		TargetLang:     target,
		SplitSentences: "0",
		ModelType:      "quality_optimized",
		Context:        req.ContextBlock(),
	}
	if f, ok := toneFormality[req.Tone]; ok && lang.SupportsFormality(target) {
		body.Formality = f
	}
	if lang.SupportsCustomInstructions(target) {
		instructions := append([]string(nil), baseInstructions...)
		if req.ToneInstruction != "" {
			instructions = append(instructions, req.ToneInstruction)
		}
		body.CustomInstructions = instructions
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", translate.NewFatal("quality: translate", fmt.Errorf("marshal body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/v2/translate", bytes.NewReader(payload))
	if err != nil {
		return "", translate.NewFatal("quality: translate", fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Authorization", "DeepL-Auth-Key "+t.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", translate.NewTransient("quality: translate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", translate.NewTransient("quality: translate", err)
		}
		return "", translate.NewFatal("quality: translate", err)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", translate.NewTransient("quality: translate", fmt.Errorf("decode response: %w", err))
	}
	if len(out.Translations) == 0 {
		return "", translate.NewTransient("quality: translate", errors.New("empty translations in response"))
	}
	return out.Translations[0].Text, nil
}

// Close implements translate.Translator. The HTTP client holds no session
// state beyond idle connections.
func (t *Translator) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// Ensure Translator implements translate.Translator at compile time.
var _ translate.Translator = (*Translator)(nil)
