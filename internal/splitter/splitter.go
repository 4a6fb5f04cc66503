// Package splitter picks sentence boundaries in long unpunctuated speech
// runs.
//
// Streaming ASR can go a long time without emitting sentence-final
// punctuation (fast monologues, list reading, some languages). Captions
// would stall un-sealed for the whole run. When a speaker's unsealed tail
// grows past TriggerWords with no mark in sight, the session asks the
// splitter for the earliest complete-clause boundary and seals up to it as
// if punctuation had appeared. The splitter is advisory: any error leaves
// the pipeline waiting for natural punctuation or the silence timer.
package splitter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sublexa/sublexa/pkg/llm"
)

// TriggerWords is the unsealed-tail length past which a session dispatches a
// split request (when the tail holds no sentence mark).
const TriggerWords = 15

const splitPrompt = `The text below is from a live speech transcript. It has no punctuation yet. Find the EARLIEST point at which a complete sentence or clause has ended.

TEXT (%d words):
%s

Respond with ONLY a single integer: how many words from the start of the text make up the first complete thought. Respond with 0 if no complete thought has ended yet.`

// Splitter asks an LLM for clause boundaries in unpunctuated word runs.
type Splitter struct {
	provider llm.Provider
}

// New creates a Splitter backed by provider.
func New(provider llm.Provider) *Splitter {
	return &Splitter{provider: provider}
}

// Split returns the earliest complete-clause boundary in words as a 1-based
// word count: words[:boundary] form the first complete thought. A reply of 0
// (model found no finished clause) or outside [1, len(words)] is an error;
// callers treat every splitter error as "keep waiting".
func (s *Splitter) Split(ctx context.Context, words []string) (int, error) {
	if len(words) == 0 {
		return 0, errors.New("splitter: empty word run")
	}

	reply, err := s.provider.Complete(ctx, llm.Request{
		Prompt:      fmt.Sprintf(splitPrompt, len(words), strings.Join(words, " ")),
		Temperature: 0,
		MaxTokens:   10,
	})
	if err != nil {
		return 0, fmt.Errorf("splitter: split: %w", err)
	}

	boundary, err := parseBoundary(reply)
	if err != nil {
		return 0, err
	}
	if boundary < 1 || boundary > len(words) {
		return 0, fmt.Errorf("splitter: boundary %d outside [1, %d]", boundary, len(words))
	}
	return boundary, nil
}

// parseBoundary extracts the first run of digits in reply. Models decorate
// bare numbers routinely ("7.", "Answer: 7"), so this is deliberately loose.
func parseBoundary(reply string) (int, error) {
	start := -1
	for i, r := range reply {
		if r >= '0' && r <= '9' {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, fmt.Errorf("splitter: no boundary in reply %q", strings.TrimSpace(reply))
	}
	end := start
	for end < len(reply) && reply[end] >= '0' && reply[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(reply[start:end])
	if err != nil {
		return 0, fmt.Errorf("splitter: parse reply %q: %w", strings.TrimSpace(reply), err)
	}
	return n, nil
}
