// Package asr defines the provider-neutral surface for realtime
// speech-to-text vendors.
//
// A Provider dials the vendor and returns a Session bound to one audio
// stream. Sessions publish full-view transcript events: every event
// carries the vendor's complete current hypothesis for one speaker, so
// consumers never have to stitch deltas together. Events flow through a
// bounded channel; when a slow consumer lets the buffer fill, the oldest
// event is dropped, which is safe because any later event supersedes it.
package asr

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
)

// ErrAuth marks vendor rejections that no retry can fix (bad or missing
// API key). Adapters wrap it so callers can test with errors.Is.
var ErrAuth = errors.New("authentication rejected")

// EventKind discriminates transcript updates from end-of-stream.
type EventKind uint8

const (
	// KindUpdate carries a revised full view for one speaker.
	KindUpdate EventKind = iota + 1
	// KindEOS signals that the vendor finished flushing; no further
	// updates will follow.
	KindEOS
)

func (k EventKind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindEOS:
		return "eos"
	default:
		return "unknown"
	}
}

// Word is one token of a transcript hypothesis. IsFinal reports whether
// the vendor has committed the token; uncommitted tails may still be
// rewritten by later events.
type Word struct {
	Text    string
	IsFinal bool
}

// Event is the full current view of one speaker's transcript. Speaker
// ids are vendor-scoped opaque labels ("S1", "default", ...). An EOS
// event has no speaker and no words.
type Event struct {
	Speaker string
	Words   []Word
	Kind    EventKind
}

// Text joins the event's words with single spaces.
func (e Event) Text() string {
	var b strings.Builder
	for i, w := range e.Words {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w.Text)
	}
	return b.String()
}

// StreamConfig carries the per-stream parameters a vendor needs.
type StreamConfig struct {
	// Language is a BCP-47 / ISO-639 code ("en", "ko"). Empty lets the
	// vendor auto-detect where supported.
	Language string
	// SampleRate of the PCM input in Hz. Zero means 16000.
	SampleRate int
}

func (c StreamConfig) rate() int {
	if c.SampleRate <= 0 {
		return 16000
	}
	return c.SampleRate
}

// Rate returns the effective sample rate, defaulting to 16 kHz.
func (c StreamConfig) Rate() int { return c.rate() }

// Session is one live recognition stream.
//
// SendAudio and EndStream must be called from a single goroutine.
// Events is closed after the vendor connection ends; Err reports the
// terminal error, if any, once Events is closed. Close is idempotent
// and releases the connection without waiting for a flush.
type Session interface {
	// SendAudio forwards one chunk of PCM16LE audio.
	SendAudio(chunk []byte) error
	// EndStream tells the vendor no more audio is coming. The vendor
	// flushes pending recognition and the session ends with an EOS
	// event.
	EndStream() error
	// Events delivers full-view transcript events until the stream
	// ends.
	Events() <-chan Event
	// Err returns the error that terminated the stream, or nil for a
	// clean end. Only meaningful after Events is closed.
	Err() error
	// Close tears the session down immediately.
	Close() error
}

// Provider dials recognition sessions against one vendor.
type Provider interface {
	// StartStream opens a stream and blocks until the vendor has
	// acknowledged it, so a returned Session is ready for audio.
	StartStream(ctx context.Context, cfg StreamConfig) (Session, error)
}

// MergeOverlap joins committed text with a revisable tail, removing the
// longest run of characters that the tail repeats from the end of the
// committed text. Vendors that re-send the tail of committed text in
// their partials (or none of it) both collapse to one clean view.
func MergeOverlap(final, partial string) string {
	f := strings.TrimSpace(final)
	p := strings.TrimSpace(partial)
	if f == "" {
		return p
	}
	if p == "" {
		return f
	}
	fr := []rune(f)
	pr := []rune(p)
	max := min(len(fr), len(pr))
	best := 0
	for n := 1; n <= max; n++ {
		if string(fr[len(fr)-n:]) == string(pr[:n]) {
			best = n
		}
	}
	if best > 0 {
		return strings.TrimSpace(f + string(pr[best:]))
	}
	return f + " " + p
}

// Emitter publishes events into a bounded channel, dropping the oldest
// buffered event when the consumer falls behind. It is safe for a single
// producer; Close must only be called by that producer.
type Emitter struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewEmitter returns an emitter with the given buffer capacity.
// Capacities below 1 are raised to 1.
func NewEmitter(capacity int) *Emitter {
	if capacity < 1 {
		capacity = 1
	}
	return &Emitter{ch: make(chan Event, capacity)}
}

// Emit enqueues ev, evicting the oldest buffered event if needed.
func (e *Emitter) Emit(ev Event) {
	for {
		select {
		case e.ch <- ev:
			return
		default:
		}
		select {
		case <-e.ch:
			e.dropped.Add(1)
		default:
		}
	}
}

// Events returns the receive side of the buffer.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Close ends the stream for consumers.
func (e *Emitter) Close() { close(e.ch) }

// Dropped reports how many events were evicted so far.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }
