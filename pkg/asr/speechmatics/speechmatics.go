// Package speechmatics provides a Speechmatics-backed realtime ASR
// provider using the v2 streaming WebSocket API. It implements the
// asr.Provider interface.
//
// Speechmatics diarizes speech per word, so one stream yields separate
// full-view events per speaker label ("S1", "S2", "UU" for unknown).
package speechmatics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/sublexa/sublexa/pkg/asr"
)

const (
	defaultEndpoint = "wss://eu2.rt.speechmatics.com/v2"
	defaultLanguage = "en"

	// unknownSpeaker is the label Speechmatics assigns to words it
	// cannot attribute.
	unknownSpeaker = "UU"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the realtime WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithLanguage sets the default recognition language code (e.g. "en").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithMaxDelay sets the maximum seconds Speechmatics may buffer before
// finalizing words. Lower values reduce latency at some accuracy cost.
func WithMaxDelay(seconds float64) Option {
	return func(p *Provider) {
		p.maxDelay = seconds
	}
}

// Provider implements asr.Provider backed by the Speechmatics realtime API.
type Provider struct {
	apiKey   string
	endpoint string
	language string
	maxDelay float64
}

// New creates a new Speechmatics Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("speechmatics: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		language: defaultLanguage,
		maxDelay: 2,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// startRecognition is the first client message of the v2 protocol.
type startRecognition struct {
	Message     string      `json:"message"`
	AudioFormat audioFormat `json:"audio_format"`
	Config      transConfig `json:"transcription_config"`
}

type audioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type transConfig struct {
	Language       string  `json:"language"`
	EnablePartials bool    `json:"enable_partials"`
	MaxDelay       float64 `json:"max_delay"`
	OperatingPoint string  `json:"operating_point"`
	Diarization    string  `json:"diarization"`
}

type endOfStream struct {
	Message   string `json:"message"`
	LastSeqNo int    `json:"last_seq_no"`
}

// serverMessage covers every v2 server message we care about. Result
// fields are only populated for AddTranscript / AddPartialTranscript.
type serverMessage struct {
	Message string   `json:"message"`
	Type    string   `json:"type"`
	Reason  string   `json:"reason"`
	Results []result `json:"results"`
}

type result struct {
	Type         string `json:"type"` // "word" or "punctuation"
	Alternatives []struct {
		Content string `json:"content"`
		Speaker string `json:"speaker"`
	} `json:"alternatives"`
}

// StartStream opens a diarized recognition stream. It blocks until
// Speechmatics acknowledges with RecognitionStarted, so a returned
// session is ready for audio.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.Session, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("speechmatics: dial: %w", err)
	}
	// Transcript batches can exceed the default 32 KiB read limit.
	conn.SetReadLimit(1 << 20)

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	start := startRecognition{
		Message: "StartRecognition",
		AudioFormat: audioFormat{
			Type:       "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cfg.Rate(),
		},
		Config: transConfig{
			Language:       lang,
			EnablePartials: true,
			MaxDelay:       p.maxDelay,
			OperatingPoint: "enhanced",
			Diarization:    "speaker",
		},
	}
	if err := writeJSON(ctx, conn, start); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("speechmatics: start recognition: %w", err)
	}

	if err := awaitRecognitionStarted(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}

	sess := &session{
		conn:    conn,
		emitter: asr.NewEmitter(64),
		done:    make(chan struct{}),
		finals:  make(map[string][]asr.Word),
		partial: make(map[string][]asr.Word),
	}
	sess.wg.Add(1)
	go sess.readLoop(context.WithoutCancel(ctx))

	return sess, nil
}

// awaitRecognitionStarted consumes server messages until the handshake
// is acknowledged or rejected.
func awaitRecognitionStarted(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("speechmatics: handshake read: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Message {
		case "RecognitionStarted":
			return nil
		case "Error":
			return fmt.Errorf("speechmatics: %w", classifyError(msg))
		default:
			// Info, Warning and the like are fine before the ack.
		}
	}
}

// classifyError maps a protocol Error message onto sentinel errors.
func classifyError(msg serverMessage) error {
	base := fmt.Errorf("%s: %s", msg.Type, msg.Reason)
	switch msg.Type {
	case "not_authorised", "invalid_api_key", "forbidden":
		return fmt.Errorf("%w: %s", asr.ErrAuth, base)
	default:
		return base
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ---- session ----

// session is a live diarized recognition stream. It implements
// asr.Session.
type session struct {
	conn    *websocket.Conn
	emitter *asr.Emitter

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// sendMu serialises client frames: audio, EndOfStream.
	sendMu sync.Mutex
	seqNo  int

	errMu sync.Mutex
	err   error

	// Transcript state is only touched by readLoop.
	finals  map[string][]asr.Word
	partial map[string][]asr.Word
}

// SendAudio forwards one PCM chunk as a binary AddAudio frame.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("speechmatics: session is closed")
	default:
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.conn.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("speechmatics: send audio: %w", err)
	}
	s.seqNo++
	return nil
}

// EndStream tells Speechmatics to finalize everything heard so far.
// The vendor answers with remaining transcripts and EndOfTranscript.
func (s *session) EndStream() error {
	select {
	case <-s.done:
		return errors.New("speechmatics: session is closed")
	default:
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	eos := endOfStream{Message: "EndOfStream", LastSeqNo: s.seqNo}
	if err := writeJSON(context.Background(), s.conn, eos); err != nil {
		return fmt.Errorf("speechmatics: end of stream: %w", err)
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

// readLoop receives server messages and publishes per-speaker events.
// It always ends the stream with an EOS event so consumers can flush,
// then closes the events channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.emitter.Close()
	defer s.emitter.Emit(asr.Event{Kind: asr.KindEOS})

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Deliberate teardown.
			default:
				s.setErr(fmt.Errorf("speechmatics: connection lost: %w", err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Message {
		case "AddTranscript":
			s.applyFinal(groupBySpeaker(msg.Results))
		case "AddPartialTranscript":
			s.applyPartial(groupBySpeaker(msg.Results))
		case "EndOfTranscript":
			return
		case "Error":
			s.setErr(fmt.Errorf("speechmatics: %w", classifyError(msg)))
			return
		default:
			// AudioAdded, Info, Warning: nothing to do.
		}
	}
}

// applyFinal commits a batch of words. Finals supersede the partial
// hypotheses of every speaker they mention.
func (s *session) applyFinal(grouped map[string][]string) {
	for sp, words := range grouped {
		for _, w := range words {
			s.finals[sp] = append(s.finals[sp], asr.Word{Text: w, IsFinal: true})
		}
		delete(s.partial, sp)
		s.emitFor(sp)
	}
}

// applyPartial replaces the unfinalized window. A partial batch covers
// every speaker currently hypothesised, so speakers absent from it lose
// their previous partial words.
func (s *session) applyPartial(grouped map[string][]string) {
	touched := make(map[string]struct{}, len(grouped))
	for sp := range grouped {
		touched[sp] = struct{}{}
	}
	for sp := range s.partial {
		touched[sp] = struct{}{}
	}
	for sp := range s.partial {
		delete(s.partial, sp)
	}
	for sp, words := range grouped {
		tail := make([]asr.Word, 0, len(words))
		for _, w := range words {
			tail = append(tail, asr.Word{Text: w})
		}
		s.partial[sp] = tail
	}
	for sp := range touched {
		s.emitFor(sp)
	}
}

// emitFor publishes the full current view for one speaker.
func (s *session) emitFor(speaker string) {
	finals := s.finals[speaker]
	tail := s.partial[speaker]
	words := make([]asr.Word, 0, len(finals)+len(tail))
	words = append(words, finals...)
	words = append(words, tail...)
	s.emitter.Emit(asr.Event{
		Speaker: speaker,
		Words:   words,
		Kind:    asr.KindUpdate,
	})
}

// groupBySpeaker flattens result entries into per-speaker word lists.
// Punctuation results attach to the most recent word, matching how the
// protocol anchors them ("attaches_to": "previous").
func groupBySpeaker(results []result) map[string][]string {
	type spoken struct {
		speaker string
		text    string
	}
	var flat []spoken
	for _, r := range results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		content := strings.TrimSpace(alt.Content)
		if content == "" {
			continue
		}
		if r.Type == "punctuation" && len(flat) > 0 {
			flat[len(flat)-1].text += content
			continue
		}
		sp := alt.Speaker
		if sp == "" {
			sp = unknownSpeaker
		}
		flat = append(flat, spoken{speaker: sp, text: content})
	}

	grouped := make(map[string][]string)
	for _, w := range flat {
		grouped[w.speaker] = append(grouped[w.speaker], w.text)
	}
	return grouped
}

// Ensure session implements asr.Session at compile time.
var _ asr.Session = (*session)(nil)
