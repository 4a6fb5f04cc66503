package elevenlabs_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sublexa/sublexa/pkg/asr"
	"github.com/sublexa/sublexa/pkg/asr/elevenlabs"
)

type capturedRequest struct {
	apiKey  string
	modelID string
	lang    string
}

// startVendor runs a fake Scribe endpoint that sends session metadata
// and then hands the connection to script.
func startVendor(t *testing.T, reqCh chan<- capturedRequest, script func(t *testing.T, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqCh != nil {
			reqCh <- capturedRequest{
				apiKey:  r.Header.Get("xi-api-key"),
				modelID: r.URL.Query().Get("model_id"),
				lang:    r.URL.Query().Get("language_code"),
			}
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		writeMsg(t, conn, map[string]any{
			"message_type": "session_started",
			"session_id":   "sess-42",
		})
		if script != nil {
			script(t, conn)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Errorf("write %v: %v", v, err)
	}
}

func readChunk(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("vendor read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode client chunk: %v", err)
	}
	return msg
}

func TestStartStreamSendsCredentialsAndModel(t *testing.T) {
	t.Parallel()

	reqCh := make(chan capturedRequest, 1)
	srv := startVendor(t, reqCh, nil)

	p, err := elevenlabs.New("xi-key", elevenlabs.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.StartStream(context.Background(), asr.StreamConfig{Language: "ko"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	req := <-reqCh
	if req.apiKey != "xi-key" {
		t.Errorf("xi-api-key = %q, want %q", req.apiKey, "xi-key")
	}
	if req.modelID != "scribe_v2_realtime" {
		t.Errorf("model_id = %q, want scribe_v2_realtime", req.modelID)
	}
	if req.lang != "ko" {
		t.Errorf("language_code = %q, want ko", req.lang)
	}

	type withID interface{ SessionID() string }
	si, ok := sess.(withID)
	if !ok {
		t.Fatal("session does not expose SessionID")
	}
	if si.SessionID() != "sess-42" {
		t.Errorf("SessionID = %q, want sess-42", si.SessionID())
	}
}

func TestTranscriptsAccumulate(t *testing.T) {
	t.Parallel()

	srv := startVendor(t, nil, func(t *testing.T, conn *websocket.Conn) {
		writeMsg(t, conn, map[string]any{"message_type": "partial_transcript", "text": "hello wor"})
		writeMsg(t, conn, map[string]any{"message_type": "committed_transcript", "text": "hello world."})
		writeMsg(t, conn, map[string]any{"message_type": "partial_transcript", "text": "how are"})
		// Hold the connection open until the client closes it.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.Read(ctx)
	})

	p, err := elevenlabs.New("xi-key", elevenlabs.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.StartStream(context.Background(), asr.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	wantTexts := []string{"hello wor", "hello world.", "hello world. how are"}
	for i, want := range wantTexts {
		ev := next(t, sess)
		if ev.Speaker != "default" {
			t.Errorf("event %d speaker = %q, want default", i, ev.Speaker)
		}
		if got := ev.Text(); got != want {
			t.Errorf("event %d text = %q, want %q", i, got, want)
		}
	}
}

func TestFinalFlagsFollowCommit(t *testing.T) {
	t.Parallel()

	srv := startVendor(t, nil, func(t *testing.T, conn *websocket.Conn) {
		writeMsg(t, conn, map[string]any{"message_type": "committed_transcript", "text": "hello world."})
		writeMsg(t, conn, map[string]any{"message_type": "partial_transcript", "text": "how"})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.Read(ctx)
	})

	p, err := elevenlabs.New("xi-key", elevenlabs.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.StartStream(context.Background(), asr.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	next(t, sess) // committed view
	ev := next(t, sess)
	if len(ev.Words) != 3 {
		t.Fatalf("words = %+v, want 3 entries", ev.Words)
	}
	if !ev.Words[0].IsFinal || !ev.Words[1].IsFinal {
		t.Errorf("committed words not final: %+v", ev.Words)
	}
	if ev.Words[2].IsFinal {
		t.Errorf("partial tail marked final: %+v", ev.Words[2])
	}
}

func TestEndStreamCommitsAndEnds(t *testing.T) {
	t.Parallel()

	srv := startVendor(t, nil, func(t *testing.T, conn *websocket.Conn) {
		chunk := readChunk(t, conn)
		if chunk["message_type"] != "input_audio_chunk" {
			t.Errorf("message_type = %v", chunk["message_type"])
		}
		if chunk["commit"] != false {
			t.Errorf("audio chunk commit = %v, want false", chunk["commit"])
		}
		if chunk["sample_rate"] != float64(16000) {
			t.Errorf("sample_rate = %v, want 16000", chunk["sample_rate"])
		}
		audio, err := base64.StdEncoding.DecodeString(chunk["audio_base_64"].(string))
		if err != nil || string(audio) != "pcm" {
			t.Errorf("audio_base_64 = %v (%v), want %q", chunk["audio_base_64"], err, "pcm")
		}

		final := readChunk(t, conn)
		if final["commit"] != true {
			t.Errorf("final chunk commit = %v, want true", final["commit"])
		}
		writeMsg(t, conn, map[string]any{"message_type": "committed_transcript", "text": "done."})
	})

	p, err := elevenlabs.New("xi-key", elevenlabs.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := p.StartStream(context.Background(), asr.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio([]byte("pcm")); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.EndStream(); err != nil {
		t.Fatalf("EndStream: %v", err)
	}

	var kinds []asr.EventKind
	for ev := range sess.Events() {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[0] != asr.KindUpdate || kinds[1] != asr.KindEOS {
		t.Errorf("event kinds = %v, want [update eos]", kinds)
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after clean flush", err)
	}
}

func TestDialRejectionWrapsAuthError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	p, err := elevenlabs.New("bad-key", elevenlabs.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.StartStream(context.Background(), asr.StreamConfig{})
	if err == nil {
		t.Fatal("StartStream succeeded against 401")
	}
	if !errors.Is(err, asr.ErrAuth) {
		t.Errorf("error %v does not wrap asr.ErrAuth", err)
	}
}

func next(t *testing.T, sess asr.Session) asr.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("events channel closed early")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return asr.Event{}
}
