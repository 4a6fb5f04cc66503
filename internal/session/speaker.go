package session

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sublexa/sublexa/pkg/translate"
)

// tailJitterBudget is how many trailing characters of the final word may
// differ before two remainder views stop counting as the same update.
// Streaming vendors flicker the last word ("runnin" → "running", a trailing
// comma appearing and vanishing) without saying anything new.
const tailJitterBudget = 2

// speakerState is the per-speaker caption state machine. It is owned
// exclusively by the orchestrator goroutine; workers only ever receive
// snapshots of its fields, so none of this needs a lock.
type speakerState struct {
	id string

	// fullText is the vendor's latest full word view, replaced wholesale on
	// every event. Words before confirmedWordCount are sealed: their text
	// already lives in confirmedSourceText and later revisions to that
	// prefix are ignored.
	fullText            []string
	confirmedWordCount  int
	confirmedSourceText []string
	confirmPunctCount   int

	updateCount     int
	partialInterval int

	// Throttle state for partial translations. partialsSinceSeal resets on
	// every seal; firstPartialSent is a one-time latch so the very first
	// caption never waits out a full throttle interval.
	partialsSinceSeal int
	firstPartialSent  bool
	lastRemainder     string
	lastPartialSource string

	// partialSeq numbers partial translation dispatches. A completion is
	// only surfaced while its seq is still the latest and no seal landed in
	// between (partialStale).
	partialSeq       int
	latestPartialSeq int
	partialStale     bool

	// Seal units are numbered so confirmed translations can be emitted in
	// seal order even when completions arrive shuffled. pendingConfirmed
	// parks an out-of-order completion until its predecessors resolve.
	sealSeq          int
	emitSeq          int
	pendingConfirmed map[int]confirmedResult

	confirmedTranslation []string
	lastConfirmedPair    *translate.Pair

	tone          translate.Tone
	toneInstr     string
	toneTriggered bool

	splitInFlight    bool
	splitConfirmedAt int

	topic         string
	summaryGen    int
	summaryCancel context.CancelFunc

	lastActivity time.Time
	silenceTimer *time.Timer
}

// confirmedResult is one finished confirmed-translation unit waiting in the
// ordered completion buffer. ok is false when the translation failed and
// text carries the untranslated fallback.
type confirmedResult struct {
	source string
	text   string
	ok     bool
}

// sealedUnit is one newly sealed stretch of source text. seq is the
// per-speaker seal order; the confirmed translation for this unit may not be
// surfaced before every lower seq resolved.
type sealedUnit struct {
	text string
	seq  int
}

// partialDispatch is a partial translation the orchestrator should start.
type partialDispatch struct {
	text string
	seq  int
}

// feedOutcome reports everything one ASR update did to a speaker, so the
// orchestrator can turn it into outbound messages and worker dispatches.
type feedOutcome struct {
	// deduped means the update carried no new information; only the partial
	// transcript (if any) should be refreshed.
	deduped bool

	// sealed lists the units sealed by this event, in seal order.
	sealed []sealedUnit

	// remainder is the current unsealed tail, space-joined. Empty when
	// everything is sealed.
	remainder string

	// partial, when non-nil, is a partial translation to dispatch.
	partial *partialDispatch

	// splitWords, when non-nil, is a snapshot of the remainder to hand to
	// the sentence splitter. splitConfirmedAt keys its freshness check.
	splitWords       []string
	splitConfirmedAt int

	// toneText, when non-empty, is the transcript for the one-shot tone
	// detection.
	toneText string
}

func newSpeakerState(id string, confirmPunctCount, partialInterval int) *speakerState {
	return &speakerState{
		id:                id,
		confirmPunctCount: confirmPunctCount,
		partialInterval:   partialInterval,
		pendingConfirmed:  make(map[int]confirmedResult),
	}
}

// feed applies one ASR word view to the state machine and reports what
// happened. It never blocks and never touches anything outside the speaker.
func (s *speakerState) feed(words []string) feedOutcome {
	s.updateCount++
	s.fullText = words

	rem := s.remainder()
	remText := strings.Join(rem, " ")

	// Vendors re-send the same view constantly and flicker the final word
	// while deciding on it. Neither says anything new: keep the throttle and
	// seal state untouched and just refresh the partial transcript.
	if remText == s.lastRemainder || sameButForTail(s.lastRemainder, remText) {
		return feedOutcome{deduped: true, remainder: remText}
	}
	s.lastRemainder = remText

	var out feedOutcome

	// Seal as long as enough sentence marks are visible. With
	// confirmPunctCount 2 a single unit may carry two sentences; that is
	// intentional, the second mark is what made the first trustworthy.
	for {
		rem = s.remainder()
		marks := sentenceMarks(rem)
		if len(marks) < s.confirmPunctCount {
			break
		}
		boundary := marks[s.confirmPunctCount-1] + 1
		out.sealed = append(out.sealed, s.seal(boundary))
	}

	rem = s.remainder()
	remText = strings.Join(rem, " ")
	out.remainder = remText

	if len(out.sealed) > 0 {
		out.toneText = s.maybeTriggerTone()
		return out
	}

	// Long unpunctuated run: ask the splitter for a boundary, at most one
	// request in flight per speaker.
	if len(rem) > splitTriggerWords && !s.splitInFlight && len(sentenceMarks(rem)) == 0 {
		s.splitInFlight = true
		s.splitConfirmedAt = s.confirmedWordCount
		out.splitWords = append([]string(nil), rem...)
		out.splitConfirmedAt = s.confirmedWordCount
	}

	// Partial translation throttle. The counter advances on every processed
	// no-seal update whether or not a dispatch fires.
	s.partialsSinceSeal++
	due := !s.firstPartialSent || s.partialsSinceSeal%s.partialInterval == 0
	if due && remText != "" && remText != s.lastPartialSource {
		s.partialSeq++
		s.latestPartialSeq = s.partialSeq
		s.partialStale = false
		s.lastPartialSource = remText
		s.firstPartialSent = true
		out.partial = &partialDispatch{text: remText, seq: s.partialSeq}
	}

	return out
}

// seal commits the first n words of the unsealed remainder as one immutable
// unit and invalidates every in-flight partial.
func (s *speakerState) seal(n int) sealedUnit {
	rem := s.remainder()
	text := strings.Join(rem[:n], " ")
	s.confirmedWordCount += n
	s.confirmedSourceText = append(s.confirmedSourceText, text)

	s.partialStale = true
	s.lastPartialSource = ""
	s.partialsSinceSeal = 0
	s.lastRemainder = strings.Join(s.remainder(), " ")

	s.sealSeq++
	return sealedUnit{text: text, seq: s.sealSeq}
}

// sealRemainder commits the entire unsealed tail as one unit, as the silence
// timer and end-of-stream flush do. ok is false when nothing is unsealed.
func (s *speakerState) sealRemainder() (unit sealedUnit, toneText string, ok bool) {
	rem := s.remainder()
	if len(rem) == 0 {
		return sealedUnit{}, "", false
	}
	unit = s.seal(len(rem))
	return unit, s.maybeTriggerTone(), true
}

// applySplit seals the first boundary words of the current remainder in
// response to a splitter result. The result is stale when any other seal
// moved the confirmed pointer since dispatch, and discarded when the
// remainder has been revised shorter than the boundary.
func (s *speakerState) applySplit(boundary, confirmedAtDispatch int) (unit sealedUnit, toneText string, ok bool) {
	s.splitInFlight = false
	if s.confirmedWordCount != confirmedAtDispatch {
		return sealedUnit{}, "", false
	}
	if boundary < 1 || boundary > len(s.remainder()) {
		return sealedUnit{}, "", false
	}
	unit = s.seal(boundary)
	return unit, s.maybeTriggerTone(), true
}

// completeConfirmed records the outcome of one confirmed-translation unit
// and returns the consecutive run of results that are now emittable in seal
// order. Failed units pass through the buffer too (carrying their fallback
// text) but never become translation context.
func (s *speakerState) completeConfirmed(seq int, res confirmedResult) []confirmedResult {
	s.pendingConfirmed[seq] = res

	var ready []confirmedResult
	for {
		next, ok := s.pendingConfirmed[s.emitSeq+1]
		if !ok {
			break
		}
		delete(s.pendingConfirmed, s.emitSeq+1)
		s.emitSeq++
		s.confirmedTranslation = append(s.confirmedTranslation, next.text)
		if next.ok {
			s.lastConfirmedPair = &translate.Pair{Source: next.source, Translation: next.text}
		}
		ready = append(ready, next)
	}
	return ready
}

// acceptPartial reports whether a completed partial translation with seq is
// still worth showing. Anything older than the latest dispatch, or issued
// before the last seal, is dropped.
func (s *speakerState) acceptPartial(seq int) bool {
	return seq >= s.latestPartialSeq && !s.partialStale
}

// maybeTriggerTone latches the one-shot tone detection once the sealed
// corpus is long enough and returns the transcript to classify. The latch
// holds even if detection later fails; a speaker gets exactly one attempt.
func (s *speakerState) maybeTriggerTone() string {
	if s.toneTriggered || s.confirmedWordCount < toneTriggerWords {
		return ""
	}
	s.toneTriggered = true
	return strings.Join(s.confirmedSourceText, " ")
}

// remainder returns the unsealed tail of the current word view. A view
// shorter than the sealed prefix yields an empty remainder; the confirmed
// pointer never moves backwards.
func (s *speakerState) remainder() []string {
	if s.confirmedWordCount >= len(s.fullText) {
		return nil
	}
	return s.fullText[s.confirmedWordCount:]
}

func (s *speakerState) remainderText() string {
	return strings.Join(s.remainder(), " ")
}

// sentenceMarks returns the indices of words that end a sentence. The test
// is on the final rune only: a word ending in a closing quote after the
// period does not count, and neither does a mid-word abbreviation dot.
func sentenceMarks(words []string) []int {
	var marks []int
	for i, w := range words {
		if isSentenceMark(w) {
			marks = append(marks, i)
		}
	}
	return marks
}

func isSentenceMark(word string) bool {
	r, _ := utf8.DecodeLastRuneInString(word)
	return r == '.' || r == '!' || r == '?'
}

// sameButForTail reports whether next is prev with at most tailJitterBudget
// trailing characters of the final word changed. Word-level corrections
// (different counts, edits anywhere but the final word's tail) always count
// as new information.
func sameButForTail(prev, next string) bool {
	if prev == "" || next == "" {
		return false
	}
	pw := strings.Split(prev, " ")
	nw := strings.Split(next, " ")
	if len(pw) != len(nw) {
		return false
	}
	for i := 0; i < len(pw)-1; i++ {
		if pw[i] != nw[i] {
			return false
		}
	}
	last, cur := pw[len(pw)-1], nw[len(nw)-1]
	common := commonPrefixLen(last, cur)
	return len(last)-common <= tailJitterBudget && len(cur)-common <= tailJitterBudget
}

func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
