package server_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sublexa/sublexa/internal/server"
	"github.com/sublexa/sublexa/pkg/asr"
	"github.com/sublexa/sublexa/pkg/wire"
)

// ── WebSocket helpers ────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialSession opens a WebSocket against path and returns the client conn.
func dialSession(t *testing.T, ts *testServer, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts.srv)+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readMessage reads and decodes the next server frame.
func readMessage(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg wire.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return msg
}

// readUntil reads frames until one of the wanted type arrives, skipping
// everything else.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) wire.Message {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	var seen []string
	for {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s frame; saw %v", msgType, seen)
		}
		msg := readMessage(t, conn)
		if msg.Type == msgType {
			return msg
		}
		seen = append(seen, msg.Type)
	}
}

// collectUntilClose reads frames until the server closes the connection,
// failing unless the close is a normal closure.
func collectUntilClose(t *testing.T, conn *websocket.Conn) []wire.Message {
	t.Helper()
	var seen []wire.Message
	deadline := time.Now().Add(waitTimeout)
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("connection ended abnormally: %v (saw %v)", err, typesOf(seen))
			}
			return seen
		}
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal frame %q: %v", data, err)
		}
		seen = append(seen, msg)
	}
}

// writeControl sends one JSON control frame from the client.
func writeControl(t *testing.T, conn *websocket.Conn, ctl wire.Control) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	data, err := json.Marshal(ctl)
	if err != nil {
		t.Fatalf("marshal control: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write control: %v", err)
	}
}

// writeBinary sends one binary audio frame from the client.
func writeBinary(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("write binary: %v", err)
	}
}

// event builds a full word view update for one speaker.
func event(speaker, text string) asr.Event {
	fields := strings.Fields(text)
	ws := make([]asr.Word, len(fields))
	for i, f := range fields {
		ws[i] = asr.Word{Text: f, IsFinal: true}
	}
	return asr.Event{Speaker: speaker, Words: ws, Kind: asr.KindUpdate}
}

func typesOf(msgs []wire.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

// findMessage returns the first message of the given type.
func findMessage(msgs []wire.Message, msgType string) (wire.Message, bool) {
	for _, m := range msgs {
		if m.Type == msgType {
			return m, true
		}
	}
	return wire.Message{}, false
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting until %s", what)
}

// ── Handshake ────────────────────────────────────────────────────────────────

func TestSessionHandshake(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	conn := dialSession(t, ts, "/stt/speechmatics?target_lang=es&source_lang=en")

	first := readMessage(t, conn)
	if first.Type != wire.TypeSessionStarted {
		t.Fatalf("first frame type = %q; want %s", first.Type, wire.TypeSessionStarted)
	}
	if first.SessionID == "" {
		t.Error("session_started without a session id")
	}

	calls := ts.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("StartStream calls = %d; want 1", len(calls))
	}
	if calls[0].Cfg.Language != "en" {
		t.Errorf("stream language = %q; want en (source_lang passed through)", calls[0].Cfg.Language)
	}
}

// ── Audio ingest ─────────────────────────────────────────────────────────────

func TestSessionForwardsBinaryAudio(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	conn := dialSession(t, ts, "/stt/elevenlabs?target_lang=de")
	readMessage(t, conn) // session_started

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	writeBinary(t, conn, pcm)

	waitUntil(t, "audio reaches the vendor", func() bool {
		return ts.session.SendAudioCallCount() >= 1
	})
	if got := ts.session.AudioCalls()[0].Chunk; string(got) != string(pcm) {
		t.Errorf("forwarded chunk = %v; want %v", got, pcm)
	}
}

func TestSessionForwardsAudioChunkControl(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	conn := dialSession(t, ts, "/stt/speechmatics?target_lang=de")
	readMessage(t, conn) // session_started

	pcm := []byte{0xAA, 0xBB, 0xCC}
	writeControl(t, conn, wire.Control{
		Type:        wire.ControlAudioChunk,
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
	})

	waitUntil(t, "decoded audio reaches the vendor", func() bool {
		return ts.session.SendAudioCallCount() >= 1
	})
	if got := ts.session.AudioCalls()[0].Chunk; string(got) != string(pcm) {
		t.Errorf("forwarded chunk = %v; want %v", got, pcm)
	}
}

func TestSessionIgnoresMalformedControls(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	conn := dialSession(t, ts, "/stt/speechmatics?target_lang=es")
	readMessage(t, conn) // session_started

	// None of these may kill the session or reach the vendor.
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{oops")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	writeControl(t, conn, wire.Control{Type: "seek"})
	writeControl(t, conn, wire.Control{Type: wire.ControlAudioChunk, AudioBase64: "%%%"})

	pcm := []byte{0x42}
	writeBinary(t, conn, pcm)

	waitUntil(t, "the good chunk arrives", func() bool {
		return ts.session.SendAudioCallCount() >= 1
	})
	calls := ts.session.AudioCalls()
	if len(calls) != 1 {
		t.Fatalf("SendAudio calls = %d; want just the binary frame", len(calls))
	}
	if string(calls[0].Chunk) != string(pcm) {
		t.Errorf("forwarded chunk = %v; want %v", calls[0].Chunk, pcm)
	}
}

// ── Caption flow ─────────────────────────────────────────────────────────────

func TestSessionTranslatorRouting(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.quality.Response = "pulida"
	ts.speed.Response = "rápida"

	conn := dialSession(t, ts, "/stt/speechmatics?target_lang=es")
	readMessage(t, conn) // session_started

	ts.session.EventsCh <- event("S1", "It is raining")

	partial := readUntil(t, conn, wire.TypePartialTranscript)
	if partial.Speaker != "S1" || partial.Text != "It is raining" {
		t.Errorf("partial transcript = %q from %q; want the raw tail from S1", partial.Text, partial.Speaker)
	}
	if got := readUntil(t, conn, wire.TypePartialTranslation); got.Text != "rápida" {
		t.Errorf("partial translation = %q; want the speed backend's %q", got.Text, "rápida")
	}

	ts.session.EventsCh <- event("S1", "It is raining today.")

	confirmed := readUntil(t, conn, wire.TypeConfirmedTranscript)
	if confirmed.Text != "It is raining today." {
		t.Errorf("confirmed transcript = %q; want the sealed sentence", confirmed.Text)
	}
	if got := readUntil(t, conn, wire.TypeConfirmedTranslation); got.Text != "pulida" {
		t.Errorf("confirmed translation = %q; want the quality backend's %q", got.Text, "pulida")
	}
}

func TestSessionSpeedMode(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, func(cfg *server.Config) {
		cfg.Quality = nil // speed mode must not need it
	})
	ts.speed.Response = "vía rápida"

	conn := dialSession(t, ts, "/stt/speechmatics?target_lang=es&translator_mode=speed")
	readMessage(t, conn) // session_started

	ts.session.EventsCh <- event("S1", "All aboard now.")

	readUntil(t, conn, wire.TypeConfirmedTranscript)
	if got := readUntil(t, conn, wire.TypeConfirmedTranslation); got.Text != "vía rápida" {
		t.Errorf("confirmed translation = %q; want the speed backend to serve it", got.Text)
	}
}

// ── Shutdown paths ───────────────────────────────────────────────────────────

func TestSessionEndStreamFlush(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	conn := dialSession(t, ts, "/stt/speechmatics?target_lang=fr")
	readMessage(t, conn) // session_started

	ts.session.EventsCh <- event("S1", "Landing soon")
	readUntil(t, conn, wire.TypePartialTranscript)

	writeControl(t, conn, wire.Control{Type: wire.ControlEndStream})
	waitUntil(t, "end_stream reaches the vendor", func() bool {
		return ts.session.EndStreamCount() >= 1
	})

	// The vendor finishes the stream; the dangling tail must be flushed as
	// confirmed before the server closes.
	ts.session.Finish()

	seen := collectUntilClose(t, conn)
	transcript, ok := findMessage(seen, wire.TypeConfirmedTranscript)
	if !ok {
		t.Fatalf("no confirmed transcript before close; saw %v", typesOf(seen))
	}
	if transcript.Text != "Landing soon" {
		t.Errorf("flushed transcript = %q; want %q", transcript.Text, "Landing soon")
	}
	if _, ok := findMessage(seen, wire.TypeConfirmedTranslation); !ok {
		t.Errorf("no confirmed translation before close; saw %v", typesOf(seen))
	}
}

func TestSessionVendorDeath(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.session.TermErr = errors.New("socket torn")

	conn := dialSession(t, ts, "/stt/speechmatics?target_lang=es")
	readMessage(t, conn) // session_started

	// The vendor dies without sending end-of-stream.
	close(ts.session.EventsCh)

	seen := collectUntilClose(t, conn)
	msg, ok := findMessage(seen, wire.TypeError)
	if !ok {
		t.Fatalf("no error frame before close; saw %v", typesOf(seen))
	}
	if msg.Kind != wire.ErrASRTransient {
		t.Errorf("error kind = %q; want %s", msg.Kind, wire.ErrASRTransient)
	}
	if !strings.Contains(msg.Detail, "socket torn") {
		t.Errorf("error detail = %q; want the vendor error included", msg.Detail)
	}
}

func TestSessionClientDisconnect(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	conn := dialSession(t, ts, "/stt/speechmatics?target_lang=es")
	readMessage(t, conn) // session_started

	ts.session.EventsCh <- event("S1", "still here")
	readUntil(t, conn, wire.TypePartialTranscript)

	if err := conn.Close(websocket.StatusNormalClosure, "done"); err != nil {
		t.Fatalf("client close: %v", err)
	}

	waitUntil(t, "the vendor session is closed", func() bool {
		return ts.session.CloseCount() >= 1
	})
}

// ── Vendor dialing ───────────────────────────────────────────────────────────

func TestSessionDialRetry(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.provider.StartStreamErrs = []error{errors.New("tcp reset"), nil}

	// The handshake only completes after the retry succeeds, one backoff
	// interval later.
	conn := dialSession(t, ts, "/stt/speechmatics?target_lang=es")

	first := readMessage(t, conn)
	if first.Type != wire.TypeSessionStarted {
		t.Fatalf("first frame type = %q; want %s", first.Type, wire.TypeSessionStarted)
	}
	if got := ts.provider.CallCount(); got != 2 {
		t.Errorf("StartStream calls = %d; want 2 (one failure, one retry)", got)
	}
}

func TestSessionAuthRejection(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.provider.StartStreamErr = fmt.Errorf("handshake rejected: %w", asr.ErrAuth)

	conn := dialSession(t, ts, "/stt/speechmatics?target_lang=es")

	first := readMessage(t, conn)
	if first.Type != wire.TypeError {
		t.Fatalf("first frame type = %q; want %s", first.Type, wire.TypeError)
	}
	if first.Kind != wire.ErrASRFatal {
		t.Errorf("error kind = %q; want %s", first.Kind, wire.ErrASRFatal)
	}
	if !strings.Contains(first.Detail, "speech vendor unavailable") {
		t.Errorf("error detail = %q; want the dial failure named", first.Detail)
	}

	// Credential rejections are final: no retries, and the close is not a
	// normal closure.
	if got := ts.provider.CallCount(); got != 1 {
		t.Errorf("StartStream calls = %d; want 1", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusInternalError {
		t.Errorf("close status = %v; want %v", websocket.CloseStatus(err), websocket.StatusInternalError)
	}
}
