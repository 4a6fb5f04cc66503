// Package elevenlabs provides an ElevenLabs Scribe-backed realtime ASR
// provider using the speech-to-text realtime WebSocket API. It
// implements the asr.Provider interface.
//
// Scribe does not diarize, so every event carries the single speaker
// label "default". Committed transcripts accumulate for the lifetime of
// the stream while partial transcripts replace the revisable tail.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/sublexa/sublexa/pkg/asr"
)

const (
	defaultEndpoint = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"
	defaultModelID  = "scribe_v2_realtime"

	// defaultSpeaker labels all words; Scribe has no diarization.
	defaultSpeaker = "default"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the realtime WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithModelID sets the Scribe model (e.g. "scribe_v2_realtime").
func WithModelID(modelID string) Option {
	return func(p *Provider) {
		p.modelID = modelID
	}
}

// WithLanguage sets the default language code sent as language_code.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// Provider implements asr.Provider backed by ElevenLabs Scribe realtime.
type Provider struct {
	apiKey   string
	endpoint string
	modelID  string
	language string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		modelID:  defaultModelID,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inputAudioChunk is the only client message of the realtime protocol.
// A chunk with Commit set tells Scribe to finalize everything buffered.
type inputAudioChunk struct {
	MessageType string `json:"message_type"`
	AudioBase64 string `json:"audio_base_64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
}

// serverMessage covers the realtime server messages we care about.
type serverMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	SessionID   string `json:"session_id"`
	Error       string `json:"error"`
}

// StartStream opens a recognition stream. It blocks until Scribe has
// sent its session metadata, so a returned session is ready for audio.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.Session, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("elevenlabs: dial: %w: status %d", asr.ErrAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	// The first server message is the session metadata.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("elevenlabs: handshake read: %w", err)
	}
	var meta serverMessage
	if err := json.Unmarshal(data, &meta); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("elevenlabs: decode session metadata: %w", err)
	}
	if meta.MessageType == "error" || meta.MessageType == "auth_error" {
		conn.Close(websocket.StatusPolicyViolation, "rejected")
		if meta.MessageType == "auth_error" {
			return nil, fmt.Errorf("elevenlabs: %w: %s", asr.ErrAuth, meta.Error)
		}
		return nil, fmt.Errorf("elevenlabs: session rejected: %s", meta.Error)
	}

	sess := &session{
		conn:       conn,
		emitter:    asr.NewEmitter(64),
		done:       make(chan struct{}),
		sampleRate: cfg.Rate(),
		sessionID:  meta.SessionID,
	}
	sess.wg.Add(1)
	go sess.readLoop(context.WithoutCancel(ctx))

	return sess, nil
}

func (p *Provider) buildURL(cfg asr.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	q := u.Query()
	q.Set("model_id", p.modelID)
	if lang != "" {
		q.Set("language_code", lang)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// session is a live Scribe recognition stream. It implements
// asr.Session.
type session struct {
	conn       *websocket.Conn
	emitter    *asr.Emitter
	sampleRate int
	sessionID  string

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	sendMu       sync.Mutex
	endRequested atomic.Bool

	errMu sync.Mutex
	err   error

	// Transcript state is only touched by readLoop.
	committed string
	partial   string
}

// SessionID returns the vendor-assigned stream id.
func (s *session) SessionID() string { return s.sessionID }

// SendAudio forwards one PCM chunk as a base64 audio message.
func (s *session) SendAudio(chunk []byte) error {
	return s.sendChunk(base64.StdEncoding.EncodeToString(chunk), false)
}

// EndStream sends an empty committing chunk. Scribe answers with the
// final committed transcript, which ends the session.
func (s *session) EndStream() error {
	s.endRequested.Store(true)
	return s.sendChunk("", true)
}

func (s *session) sendChunk(audio string, commit bool) error {
	select {
	case <-s.done:
		return errors.New("elevenlabs: session is closed")
	default:
	}
	msg := inputAudioChunk{
		MessageType: "input_audio_chunk",
		AudioBase64: audio,
		Commit:      commit,
		SampleRate:  s.sampleRate,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("elevenlabs: encode chunk: %w", err)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		return fmt.Errorf("elevenlabs: send chunk: %w", err)
	}
	return nil
}

// Events returns the stream of full-view transcript events.
func (s *session) Events() <-chan asr.Event { return s.emitter.Events() }

// Err reports the error that ended the stream, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Dropped reports how many events were evicted because the consumer
// fell behind.
func (s *session) Dropped() int64 { return s.emitter.Dropped() }

// Close tears the session down without waiting for a flush.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// readLoop receives transcripts and publishes full-view events. It
// always ends the stream with an EOS event, then closes the channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.emitter.Close()
	defer s.emitter.Emit(asr.Event{Kind: asr.KindEOS})

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.setErr(fmt.Errorf("elevenlabs: connection lost: %w", err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.MessageType {
		case "partial_transcript":
			s.partial = strings.TrimSpace(msg.Text)
			s.emit()
		case "committed_transcript":
			if text := strings.TrimSpace(msg.Text); text != "" {
				if s.committed != "" {
					s.committed += " " + text
				} else {
					s.committed = text
				}
			}
			s.partial = ""
			s.emit()
			// The committed transcript that answers the final commit
			// is the vendor's flush; nothing follows it.
			if s.endRequested.Load() {
				return
			}
		case "error":
			s.setErr(fmt.Errorf("elevenlabs: vendor error: %s", msg.Error))
			return
		default:
			// Keepalives and unknown messages.
		}
	}
}

// emit publishes the full current view for the default speaker.
func (s *session) emit() {
	full := asr.MergeOverlap(s.committed, s.partial)
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return
	}
	nFinal := len(strings.Fields(s.committed))
	words := make([]asr.Word, len(fields))
	for i, f := range fields {
		words[i] = asr.Word{Text: f, IsFinal: i < nFinal}
	}
	s.emitter.Emit(asr.Event{
		Speaker: defaultSpeaker,
		Words:   words,
		Kind:    asr.KindUpdate,
	})
}

// Ensure session implements asr.Session at compile time.
var _ asr.Session = (*session)(nil)
