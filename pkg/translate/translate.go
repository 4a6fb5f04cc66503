// Package translate defines the translation surface used by caption
// sessions.
//
// Two implementations exist: a document-quality HTTP backend for sealed
// sentences (subpackage quality) and a persistent realtime-LLM backend for
// provisional tails (subpackage realtime). Both are driven through the same
// [Translator] interface so a session can route confirmed and partial text
// to different backends.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Tone is the speaker's detected speech register. It steers formality on
// backends that support it and register instructions on LLM-based backends.
type Tone string

// Recognized tone labels. ToneUnset means detection has not run or failed;
// backends treat it as "no register preference".
const (
	ToneUnset        Tone = ""
	ToneCasual       Tone = "casual"
	ToneCasualPolite Tone = "casual_polite"
	ToneFormal       Tone = "formal"
	ToneNarrative    Tone = "narrative"
	ToneGeneric      Tone = "generic"
)

// Pair is one translated sentence: the sealed source text and the
// translation the backend produced for it.
type Pair struct {
	Source      string
	Translation string
}

// Request carries one text to translate plus the rolling context that keeps
// live captions coherent across sentence boundaries.
type Request struct {
	// Text is the source text. Must be non-empty.
	Text string

	// SourceLang is the ISO 639-1 source language hint. Empty means the
	// backend should not pin the source language.
	SourceLang string

	// TargetLang is the ISO 639-1 target language. Required.
	TargetLang string

	// Tone is the speaker's detected register, or ToneUnset.
	Tone Tone

	// ToneInstruction is a prebuilt, target-language-appropriate register
	// instruction (see internal/tone). Empty when Tone is unset.
	ToneInstruction string

	// Prev is the speaker's most recent confirmed pair. At most one pair of
	// context is ever sent; more history hurts latency without measurably
	// helping short-utterance quality.
	Prev *Pair

	// Topic is a rolling summary of the conversation so far. May be empty.
	Topic string
}

// ContextBlock renders the context lines shared by all backends. Returns ""
// when the request carries no context.
func (r Request) ContextBlock() string {
	var parts []string
	if r.Topic != "" {
		parts = append(parts, "Topic: "+r.Topic)
	}
	if r.Prev != nil && r.Prev.Source != "" {
		parts = append(parts, fmt.Sprintf("Previous source: %s\nPrevious translation: %s",
			r.Prev.Source, r.Prev.Translation))
	}
	return strings.Join(parts, "\n\n")
}

// Translator produces translations for caption text.
//
// Implementations must be safe for concurrent use; sessions issue confirmed
// and partial requests from separate goroutines. Translate must honor ctx
// cancellation and deadlines promptly.
type Translator interface {
	Translate(ctx context.Context, req Request) (string, error)
	Close() error
}

// Kind classifies a translation failure.
type Kind uint8

const (
	// Transient marks failures worth retrying: timeouts, disconnects,
	// rate limits, 5xx responses.
	Transient Kind = iota + 1

	// Fatal marks failures that will not resolve on retry: bad credentials,
	// unsupported language pairs, malformed requests.
	Fatal
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified translation failure.
type Error struct {
	// Kind is the failure class callers branch on.
	Kind Kind

	// Op names the backend operation that failed (e.g. "quality: translate").
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a Transient [Error].
func NewTransient(op string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// NewFatal wraps err as a Fatal [Error].
func NewFatal(op string, err error) *Error {
	return &Error{Kind: Fatal, Op: op, Err: err}
}

// IsFatal reports whether err is a translation failure that will not resolve
// on retry. Unclassified errors are not fatal.
func IsFatal(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == Fatal
}

// IsTransient reports whether err should be treated as retryable. Both
// tagged transient failures and unclassified errors (cancelled contexts,
// transport troubles surfacing as plain errors) count.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsFatal(err)
}
