// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to verify that the caller starts streams with the expected
// StreamConfig. Use Session to feed controlled Event values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.EventsCh <- asr.Event{Speaker: "S1", Kind: asr.KindUpdate}
package mock

import (
	"context"
	"sync"

	"github.com/sublexa/sublexa/pkg/asr"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg asr.StreamConfig
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the Session returned by StartStream. If nil, StartStream
	// returns a new default Session with a buffered events channel.
	Session asr.Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamErrs, if non-empty, is consumed one error per call before
	// Session is returned; nil entries mean success. Use it to script dial
	// retries.
	StartStreamErrs []error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session or a scripted error.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if len(p.StartStreamErrs) > 0 {
		err := p.StartStreamErrs[0]
		p.StartStreamErrs = p.StartStreamErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Calls returns a copy of the recorded StartStream calls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartStreamCall, len(p.StartStreamCalls))
	copy(out, p.StartStreamCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of asr.Session.
// Callers push the Event values they want the consumer to receive into
// EventsCh, then close it (or call Finish) when done.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel
	// and are responsible for sending to and closing it in tests.
	EventsCh chan asr.Event

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// EndStreamErr, if non-nil, is returned by EndStream.
	EndStreamErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// TermErr is returned by Err.
	TermErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// EndStreamCallCount is the number of times EndStream was called.
	EndStreamCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	finishOnce sync.Once
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{EventsCh: make(chan asr.Event, 16)}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// EndStream records the call and returns EndStreamErr.
func (s *Session) EndStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndStreamCallCount++
	return s.EndStreamErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan asr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Err returns TermErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TermErr
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Finish emits an EOS event and closes EventsCh. Safe to call once.
func (s *Session) Finish() {
	s.finishOnce.Do(func() {
		s.EventsCh <- asr.Event{Kind: asr.KindEOS}
		close(s.EventsCh)
	})
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// AudioCalls returns a copy of the recorded SendAudio calls. Thread-safe.
func (s *Session) AudioCalls() []SendAudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendAudioCall, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// EndStreamCount returns the number of EndStream calls. Thread-safe.
func (s *Session) EndStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EndStreamCallCount
}

// CloseCount returns the number of Close calls. Thread-safe.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.EndStreamCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements asr.Session at compile time.
var _ asr.Session = (*Session)(nil)
