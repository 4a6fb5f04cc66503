// Package realtime provides the speed-optimized translation backend on
// top of the OpenAI Realtime API. It implements translate.Translator.
//
// One Translator holds one persistent WebSocket. Every Translate call
// issues an out-of-band response ("conversation": "none") so requests
// never pollute each other's context; correlation happens through the
// response id handed back by the first response.created event, matched
// FIFO against the order requests were sent. The connection is dialed
// lazily and redialed with exponential backoff after a drop; requests
// in flight during a drop fail transient so callers can retry.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sublexa/sublexa/pkg/translate"
	"github.com/sublexa/sublexa/pkg/translate/lang"
)

const (
	defaultEndpoint = "wss://api.openai.com/v1/realtime"
	defaultModel    = "gpt-realtime-mini"

	// sessionTemperature and maxOutputTokens bound every response; live
	// subtitles want short, low-variance output.
	sessionTemperature = 0.6
	maxOutputTokens    = 200

	pingInterval = 20 * time.Second

	// Reconnect backoff: 100ms, 400ms, 1.6s, 6.4s, then capped.
	backoffBase = 100 * time.Millisecond
	backoffCap  = 10 * time.Second
)

// systemPrompt frames every request. The %s is the target language name.
const systemPrompt = `You are a real-time subtitle translator for live audio. Translate to %[1]s.

The source text is auto-generated speech recognition, which may contain errors, mishearings, or awkward phrasing. Your job is to convey what the speaker *meant*, not to literally translate the raw transcript.

Rules:
- Translate the speaker's intent, not the literal text
- If the transcript looks garbled or nonsensical, infer the likely meaning from context and translate that
- Produce natural, fluent output as if a native %[1]s speaker were explaining the same idea
- Match the speaker's tone and energy
- Output ONLY the translation, nothing else`

var (
	errClosed = errors.New("translator is closed")
	errEmpty  = errors.New("vendor returned an empty translation")
)

// Option is a functional option for configuring the Translator.
type Option func(*Translator)

// WithEndpoint overrides the realtime WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(t *Translator) {
		t.endpoint = endpoint
	}
}

// WithModel sets the realtime model (e.g. "gpt-realtime-mini").
func WithModel(model string) Option {
	return func(t *Translator) {
		t.model = model
	}
}

// WithLogger sets the logger for connection lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Translator) {
		t.logger = logger
	}
}

// outcome is the terminal state of one request.
type outcome struct {
	text string
	err  error
}

// pending is one in-flight request. gen ties it to the connection it
// was sent on so a reconnect only fails its own era.
type pending struct {
	gen  uint64
	done chan outcome
	buf  strings.Builder
	text string
}

func (p *pending) resolve(out outcome) {
	select {
	case p.done <- out:
	default:
	}
}

// Translator implements translate.Translator over one persistent
// realtime connection. It is safe for concurrent use.
type Translator struct {
	apiKey   string
	endpoint string
	model    string
	logger   *slog.Logger

	// connMu guards the connection lifecycle and serialises all sends.
	connMu     sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	connected  bool
	closed     bool
	gen        uint64
	attempts   int
	nextTry    time.Time

	// trackMu guards request correlation state.
	trackMu  sync.Mutex
	queue    []*pending
	inflight map[string]*pending

	wg sync.WaitGroup
}

// New creates a speed-backend Translator. apiKey must be non-empty.
// The connection is dialed on first use.
func New(apiKey string, opts ...Option) (*Translator, error) {
	if apiKey == "" {
		return nil, errors.New("realtime: apiKey must not be empty")
	}
	t := &Translator{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		model:    defaultModel,
		logger:   slog.Default(),
		inflight: make(map[string]*pending),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Translate sends one out-of-band translation request and waits for the
// complete response text.
func (t *Translator) Translate(ctx context.Context, req translate.Request) (string, error) {
	p := &pending{done: make(chan outcome, 1)}
	if err := t.send(ctx, req, p); err != nil {
		return "", err
	}
	select {
	case out := <-p.done:
		if out.err != nil {
			return "", out.err
		}
		if out.text == "" {
			return "", translate.NewTransient("realtime", errEmpty)
		}
		return out.text, nil
	case <-ctx.Done():
		return "", translate.NewTransient("realtime", ctx.Err())
	}
}

// Close tears down the connection and fails anything in flight.
func (t *Translator) Close() error {
	t.connMu.Lock()
	if t.closed {
		t.connMu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	conn := t.conn
	if t.connCancel != nil {
		t.connCancel()
	}
	t.connMu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "translator closed")
	}
	t.failTracked(translate.NewTransient("realtime", errClosed))
	t.wg.Wait()
	return nil
}

// send enqueues the tracker and writes the response.create frame. All
// sends happen under connMu so frames never interleave.
func (t *Translator) send(ctx context.Context, req translate.Request, p *pending) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.closed {
		return translate.NewFatal("realtime", errClosed)
	}
	if !t.connected {
		if err := t.connectLocked(ctx); err != nil {
			return err
		}
	}
	p.gen = t.gen

	msg := responseCreate{Type: "response.create"}
	msg.Response.Modalities = []string{"text"}
	msg.Response.Conversation = "none"
	msg.Response.Instructions = buildInstructions(req)
	msg.Response.Input = []inputMessage{{
		Type: "message",
		Role: "user",
		Content: []inputContent{{
			Type: "input_text",
			Text: buildUserContent(req),
		}},
	}}

	t.trackMu.Lock()
	t.queue = append(t.queue, p)
	t.trackMu.Unlock()

	if err := writeJSON(ctx, t.conn, msg); err != nil {
		t.dropQueued(p)
		t.teardownLocked()
		return translate.NewTransient("realtime", fmt.Errorf("send request: %w", err))
	}
	return nil
}

// connectLocked dials the vendor, honouring the reconnect backoff.
// Callers hold connMu.
func (t *Translator) connectLocked(ctx context.Context) error {
	if wait := time.Until(t.nextTry); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return translate.NewTransient("realtime", ctx.Err())
		}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+t.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	url := t.endpoint + "?model=" + t.model
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		t.attempts++
		t.nextTry = time.Now().Add(backoffDelay(t.attempts))
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return translate.NewFatal("realtime", fmt.Errorf("dial: status %d", resp.StatusCode))
		}
		return translate.NewTransient("realtime", fmt.Errorf("dial: %w", err))
	}
	conn.SetReadLimit(1 << 20)

	update := sessionUpdate{Type: "session.update"}
	update.Session.Modalities = []string{"text"}
	update.Session.Temperature = sessionTemperature
	update.Session.MaxResponseOutputTokens = maxOutputTokens
	if err := writeJSON(ctx, conn, update); err != nil {
		conn.Close(websocket.StatusInternalError, "session.update failed")
		t.attempts++
		t.nextTry = time.Now().Add(backoffDelay(t.attempts))
		return translate.NewTransient("realtime", fmt.Errorf("session.update: %w", err))
	}

	// Anything still tracked belongs to a dead connection.
	t.failTracked(translate.NewTransient("realtime", errors.New("connection replaced")))

	t.attempts = 0
	t.nextTry = time.Time{}
	t.gen++
	t.conn = conn
	t.connected = true

	pctx, cancel := context.WithCancel(context.Background())
	t.connCancel = cancel
	t.wg.Add(2)
	go t.readLoop(conn, t.gen, cancel)
	go t.pingLoop(pctx, conn)

	t.logger.Debug("realtime translator connected", "model", t.model)
	return nil
}

// teardownLocked marks the connection unusable after a send failure.
// Callers hold connMu. The read loop notices the closed socket and
// fails the in-flight trackers.
func (t *Translator) teardownLocked() {
	if t.conn != nil {
		t.conn.Close(websocket.StatusInternalError, "send failed")
	}
	t.connected = false
	t.attempts++
	t.nextTry = time.Now().Add(backoffDelay(t.attempts))
}

// readLoop consumes server events for one connection generation.
func (t *Translator) readLoop(conn *websocket.Conn, gen uint64, cancelPing context.CancelFunc) {
	defer t.wg.Done()
	defer cancelPing()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.connMu.Lock()
			deliberate := t.closed
			if t.conn == conn {
				t.connected = false
			}
			t.connMu.Unlock()
			if !deliberate {
				t.logger.Warn("realtime translator connection lost", "error", err)
			}
			t.failGeneration(gen, translate.NewTransient("realtime", fmt.Errorf("connection lost: %w", err)))
			return
		}
		t.handleEvent(data)
	}
}

// pingLoop keeps the idle connection alive between utterances.
func (t *Translator) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// handleEvent routes one server event to its tracker.
func (t *Translator) handleEvent(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	t.trackMu.Lock()
	defer t.trackMu.Unlock()

	switch ev.Type {
	case "response.created":
		// Creations arrive in send order; pair with the oldest waiter.
		if len(t.queue) > 0 {
			p := t.queue[0]
			t.queue = t.queue[1:]
			t.inflight[ev.Response.ID] = p
		}
	case "response.text.delta", "response.output_text.delta":
		if p, ok := t.inflight[ev.ResponseID]; ok {
			p.buf.WriteString(ev.Delta)
		}
	case "response.text.done", "response.output_text.done":
		if p, ok := t.inflight[ev.ResponseID]; ok {
			p.text = ev.Text
		}
	case "response.done":
		if p, ok := t.inflight[ev.Response.ID]; ok {
			delete(t.inflight, ev.Response.ID)
			text := p.text
			if text == "" {
				text = p.buf.String()
			}
			p.resolve(outcome{text: strings.TrimSpace(text)})
		}
	case "error":
		t.logger.Warn("realtime translator vendor error",
			"type", ev.Error.Type, "code", ev.Error.Code, "message", ev.Error.Message)
	}
}

// dropQueued removes a tracker that never made it onto the wire.
func (t *Translator) dropQueued(p *pending) {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	for i, q := range t.queue {
		if q == p {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return
		}
	}
}

// failGeneration resolves every tracker of one connection era.
func (t *Translator) failGeneration(gen uint64, err error) {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	for id, p := range t.inflight {
		if p.gen == gen {
			delete(t.inflight, id)
			p.resolve(outcome{err: err})
		}
	}
	keep := t.queue[:0]
	for _, p := range t.queue {
		if p.gen == gen {
			p.resolve(outcome{err: err})
			continue
		}
		keep = append(keep, p)
	}
	t.queue = keep
}

// failTracked resolves every tracker regardless of era.
func (t *Translator) failTracked(err error) {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	for id, p := range t.inflight {
		delete(t.inflight, id)
		p.resolve(outcome{err: err})
	}
	for _, p := range t.queue {
		p.resolve(outcome{err: err})
	}
	t.queue = nil
}

// buildInstructions renders the system prompt plus the per-speaker
// register instruction, if one was detected.
func buildInstructions(req translate.Request) string {
	prompt := fmt.Sprintf(systemPrompt, lang.Name(req.TargetLang))
	if req.ToneInstruction != "" {
		prompt += "\n\n" + req.ToneInstruction
	}
	return prompt
}

// buildUserContent prepends the rolling context block when present.
func buildUserContent(req translate.Request) string {
	if ctx := req.ContextBlock(); ctx != "" {
		return ctx + "\n\nTranslate: " + req.Text
	}
	return req.Text
}

func backoffDelay(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 4
		if d >= backoffCap {
			return backoffCap
		}
	}
	return min(d, backoffCap)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ---- wire types ----

type sessionUpdate struct {
	Type    string `json:"type"`
	Session struct {
		Modalities              []string `json:"modalities"`
		Temperature             float64  `json:"temperature"`
		MaxResponseOutputTokens int      `json:"max_response_output_tokens"`
	} `json:"session"`
}

type responseCreate struct {
	Type     string `json:"type"`
	Response struct {
		Modalities   []string       `json:"modalities"`
		Instructions string         `json:"instructions"`
		Conversation string         `json:"conversation"`
		Input        []inputMessage `json:"input"`
	} `json:"response"`
}

type inputMessage struct {
	Type    string         `json:"type"`
	Role    string         `json:"role"`
	Content []inputContent `json:"content"`
}

type inputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// serverEvent covers every realtime server event we care about.
type serverEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Text       string `json:"text"`
	Response   struct {
		ID string `json:"id"`
	} `json:"response"`
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Ensure Translator implements translate.Translator at compile time.
var _ translate.Translator = (*Translator)(nil)
