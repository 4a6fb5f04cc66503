// Package session implements the per-connection caption pipeline: one
// orchestrator goroutine owns every speaker's segmentation state, routes ASR
// word events through seal and throttle decisions, and fans translation,
// tone, splitter, and topic-summary work out to short-lived workers whose
// completions come back over a single result channel.
//
// # Architecture
//
//  1. ASR events arrive on the events channel, one full word view per event.
//  2. The speaker state machine seals punctuation-complete prefixes and
//     throttles partial translations (speaker.go). Segmentation is pure and
//     never blocks.
//  3. Workers carry the network calls concurrently; their results post back
//     to the orchestrator loop, which is the only goroutine that mutates
//     speaker state. No locks anywhere.
//  4. Outbound wire messages leave through a bounded queue drained by the
//     server's writer goroutine.
//
// Confirmed translations surface in per-speaker seal order regardless of
// completion order; partial translations surface only while still current.
// A silence timer seals dangling remainders, and end-of-stream flush-seals
// everything before draining outstanding confirmed work.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sublexa/sublexa/internal/observe"
	"github.com/sublexa/sublexa/internal/splitter"
	"github.com/sublexa/sublexa/internal/tone"
	"github.com/sublexa/sublexa/pkg/asr"
	"github.com/sublexa/sublexa/pkg/llm"
	"github.com/sublexa/sublexa/pkg/translate"
	"github.com/sublexa/sublexa/pkg/wire"
)

const (
	// DefaultPartialInterval is the default partial translation cadence:
	// one dispatch every n-th non-deduplicated update per speaker.
	DefaultPartialInterval = 6

	// DefaultSilenceConfirm is how long a speaker may be quiet before their
	// dangling remainder is sealed as a finished sentence.
	DefaultSilenceConfirm = 3 * time.Second

	// translateTimeout is the per-attempt budget for one translation call.
	translateTimeout = 5 * time.Second

	// drainTimeout caps how long end-of-stream waits for outstanding
	// confirmed translations before giving up on them.
	drainTimeout = 5 * time.Second

	// untranslatedMarker prefixes source text surfaced in place of a
	// confirmed translation that failed past its retry.
	untranslatedMarker = "[untranslated] "

	outboundBuffer = 64
	resultBuffer   = 64
	silenceBuffer  = 16

	summaryMaxTokens = 60
)

// Translator modes selectable per session.
const (
	// ModeQuality routes confirmed sentences to the quality backend and
	// partials to the speed backend.
	ModeQuality = "quality"
	// ModeSpeed routes both tiers through the shared speed backend.
	ModeSpeed = "speed"
)

// Trigger thresholds shared with the helper packages.
const (
	splitTriggerWords = splitter.TriggerWords
	toneTriggerWords  = tone.TriggerWords
)

const summaryPrompt = `Summarize the following transcript in under 30 words. Focus on subject matter, key terms, entities, and the speaker's current point.

Transcript:
%s

Summary:`

// Config carries everything one caption session needs. Confirmed, Partial,
// and TargetLang are required; zero values elsewhere fall back to defaults.
type Config struct {
	// SessionID tags logs and the session_started message.
	SessionID string

	// SourceLang is the ASR language hint, forwarded to translators. May be
	// empty when the vendor autodetects.
	SourceLang string

	// TargetLang is the translation target. Required.
	TargetLang string

	// Aggressiveness is the seal knob: 1 seals on a single sentence mark,
	// 2 waits for two. Any other value falls back to 1.
	Aggressiveness int

	// PartialInterval is the partial translation cadence. Values below 1
	// fall back to DefaultPartialInterval.
	PartialInterval int

	// Mode is ModeQuality or ModeSpeed. It labels metrics and decides
	// whether a fatal failure on one tier takes the other down too (the
	// speed backend is one shared connection).
	Mode string

	// TopicSummary enables the rolling topic line fed to translators as
	// context.
	TopicSummary bool

	// SilenceConfirm overrides DefaultSilenceConfirm; tests shrink it.
	SilenceConfirm time.Duration

	// Confirmed translates sealed sentences. Required.
	Confirmed translate.Translator

	// Partial translates provisional tails. Required. In speed mode this is
	// the same instance as Confirmed.
	Partial translate.Translator

	// LLM drives tone detection, sentence splitting, and topic summaries.
	// Nil disables all three; captions and translations are unaffected.
	LLM llm.Provider

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Orchestrator is one running caption pipeline. Construct with New, drive
// with Run, and consume Outbound until it closes. All speaker state is
// confined to the Run goroutine.
type Orchestrator struct {
	cfg Config
	log *slog.Logger
	met *observe.Metrics

	toneDet *tone.Detector
	split   *splitter.Splitter

	speakers map[string]*speakerState
	out      chan wire.Message
	results  chan result
	silence  chan string

	// inflightConfirmed counts dispatched confirmed translations that have
	// not posted back yet; the end-of-stream drain waits on it.
	inflightConfirmed int

	confirmedDown bool
	partialDown   bool

	wg sync.WaitGroup
}

// resultKind discriminates completions on the result channel.
type resultKind uint8

const (
	resultConfirmed resultKind = iota + 1
	resultPartial
	resultTone
	resultSplit
	resultSummary
)

// result is one completed background task posted back to the loop. seq is
// overloaded per kind: seal unit for confirmed results, dispatch sequence
// for partials, generation for topic summaries.
type result struct {
	kind    resultKind
	speaker string
	seq     int

	source   string
	text     string
	label    translate.Tone
	boundary int
	baseline int
	err      error
}

// New validates cfg and builds an Orchestrator. The returned value is inert
// until Run is called.
func New(cfg Config) (*Orchestrator, error) {
	var errs []error
	if cfg.Confirmed == nil {
		errs = append(errs, errors.New("session: confirmed translator required"))
	}
	if cfg.Partial == nil {
		errs = append(errs, errors.New("session: partial translator required"))
	}
	if cfg.TargetLang == "" {
		errs = append(errs, errors.New("session: target language required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.Aggressiveness != 2 {
		cfg.Aggressiveness = 1
	}
	if cfg.PartialInterval < 1 {
		cfg.PartialInterval = DefaultPartialInterval
	}
	if cfg.SilenceConfirm <= 0 {
		cfg.SilenceConfirm = DefaultSilenceConfirm
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeQuality
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	o := &Orchestrator{
		cfg:      cfg,
		log:      cfg.Logger.With("session", cfg.SessionID),
		met:      cfg.Metrics,
		speakers: make(map[string]*speakerState),
		out:      make(chan wire.Message, outboundBuffer),
		results:  make(chan result, resultBuffer),
		silence:  make(chan string, silenceBuffer),
	}
	if cfg.LLM != nil {
		o.toneDet = tone.New(cfg.LLM)
		o.split = splitter.New(cfg.LLM)
	}
	return o, nil
}

// Outbound returns the client-bound message queue. It closes after Run
// returns and every worker has stopped.
func (o *Orchestrator) Outbound() <-chan wire.Message { return o.out }

// Run consumes events until the stream ends or ctx is cancelled. An EOS
// event flush-seals every remainder and drains outstanding confirmed
// translations; a channel closed without EOS ends the session without a
// flush (the vendor died mid-stream); cancellation returns immediately.
// Run must be called exactly once.
func (o *Orchestrator) Run(parent context.Context, events <-chan asr.Event) error {
	ctx, cancel := context.WithCancel(parent)
	defer close(o.out)
	defer o.wg.Wait()
	defer o.teardown()
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				o.log.Warn("event stream ended without end-of-stream")
				return nil
			}
			if ev.Kind == asr.KindEOS {
				return o.drain(ctx)
			}
			o.handleUpdate(ctx, ev)
		case r := <-o.results:
			o.handleResult(ctx, r)
		case id := <-o.silence:
			o.handleSilence(ctx, id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// teardown stops per-speaker timers and in-flight summary contexts and
// settles the speaker gauge.
func (o *Orchestrator) teardown() {
	for _, st := range o.speakers {
		if st.silenceTimer != nil {
			st.silenceTimer.Stop()
		}
		if st.summaryCancel != nil {
			st.summaryCancel()
		}
	}
	if n := len(o.speakers); n > 0 {
		o.met.ActiveSpeakers.Add(context.Background(), -int64(n))
	}
}

// ─── Event handling ───────────────────────────────────────────────────────────

func (o *Orchestrator) speaker(ctx context.Context, id string) *speakerState {
	st, ok := o.speakers[id]
	if !ok {
		st = newSpeakerState(id, o.cfg.Aggressiveness, o.cfg.PartialInterval)
		o.speakers[id] = st
		o.met.ActiveSpeakers.Add(ctx, 1)
		o.log.Debug("speaker created", "speaker", id)
	}
	return st
}

func (o *Orchestrator) handleUpdate(ctx context.Context, ev asr.Event) {
	st := o.speaker(ctx, ev.Speaker)

	words := make([]string, len(ev.Words))
	for i, w := range ev.Words {
		words[i] = w.Text
	}
	out := st.feed(words)

	st.lastActivity = time.Now()
	o.armSilence(ctx, st)

	for _, unit := range out.sealed {
		o.met.RecordSeal(ctx, "punctuation")
		o.send(ctx, wire.ConfirmedTranscript(st.id, unit.text))
		o.dispatchConfirmed(ctx, st, unit)
	}
	if out.remainder != "" {
		o.send(ctx, wire.PartialTranscript(st.id, out.remainder))
	}
	if out.partial != nil {
		o.dispatchPartial(ctx, st, *out.partial)
	}
	if out.splitWords != nil {
		o.dispatchSplit(ctx, st, out.splitWords, out.splitConfirmedAt)
	}
	if out.toneText != "" {
		o.dispatchTone(ctx, st, out.toneText)
	}
}

// armSilence restarts the speaker's silence timer. A fire that loses the
// race against Stop parks its id in the channel; handleSilence re-checks
// elapsed time so the stale fire is a no-op.
func (o *Orchestrator) armSilence(ctx context.Context, st *speakerState) {
	if st.silenceTimer != nil {
		st.silenceTimer.Stop()
	}
	id := st.id
	st.silenceTimer = time.AfterFunc(o.cfg.SilenceConfirm, func() {
		select {
		case o.silence <- id:
		case <-ctx.Done():
		}
	})
}

func (o *Orchestrator) handleSilence(ctx context.Context, id string) {
	st, ok := o.speakers[id]
	if !ok {
		return
	}
	if time.Since(st.lastActivity) < o.cfg.SilenceConfirm {
		return
	}
	unit, toneText, ok := st.sealRemainder()
	if !ok {
		return
	}
	o.met.RecordSeal(ctx, "silence")
	o.log.Debug("silence confirm", "speaker", id, "text", unit.text)
	o.send(ctx, wire.ConfirmedTranscript(id, unit.text))
	o.dispatchConfirmed(ctx, st, unit)
	if toneText != "" {
		o.dispatchTone(ctx, st, toneText)
	}
}

// drain finishes a clean end-of-stream: seal and flush every dangling
// remainder, then keep consuming completions until outstanding confirmed
// translations resolve or the drain budget runs out. Tone detection is not
// worth starting here; nothing it could influence remains.
func (o *Orchestrator) drain(ctx context.Context) error {
	for _, st := range o.speakers {
		unit, _, ok := st.sealRemainder()
		if !ok {
			continue
		}
		o.met.RecordSeal(ctx, "flush")
		o.send(ctx, wire.ConfirmedTranscript(st.id, unit.text))
		o.dispatchConfirmed(ctx, st, unit)
	}

	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	for o.inflightConfirmed > 0 {
		select {
		case r := <-o.results:
			o.handleResult(ctx, r)
		case id := <-o.silence:
			o.handleSilence(ctx, id)
		case <-deadline.C:
			o.log.Warn("drain deadline exceeded", "outstanding", o.inflightConfirmed)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ─── Completion handling ──────────────────────────────────────────────────────

func (o *Orchestrator) handleResult(ctx context.Context, r result) {
	st, ok := o.speakers[r.speaker]
	if !ok {
		return
	}
	switch r.kind {
	case resultConfirmed:
		o.finishConfirmed(ctx, st, r)
	case resultPartial:
		o.finishPartial(ctx, st, r)
	case resultSplit:
		o.finishSplit(ctx, st, r)
	case resultTone:
		if r.err != nil {
			o.log.Warn("tone detection failed", "speaker", st.id, "error", r.err)
			return
		}
		st.tone = r.label
		st.toneInstr = tone.Instruction(r.label, o.cfg.TargetLang)
		o.log.Info("tone detected", "speaker", st.id, "tone", string(r.label))
	case resultSummary:
		if r.err != nil {
			o.log.Debug("topic summary failed", "speaker", st.id, "error", r.err)
			return
		}
		if r.seq != st.summaryGen || r.text == "" {
			return
		}
		st.topic = r.text
	}
}

func (o *Orchestrator) finishConfirmed(ctx context.Context, st *speakerState, r result) {
	o.inflightConfirmed--

	res := confirmedResult{source: r.source, text: r.text, ok: r.err == nil}
	if r.err != nil {
		// Sealed text still has to reach the client, and in seal order, so
		// the failed unit passes through the buffer carrying its source.
		res.text = untranslatedMarker + r.source
		if translate.IsFatal(r.err) {
			o.markDown(ctx, true, r.err)
		} else {
			o.met.RecordTranslationError(ctx, o.confirmedBackend(), "confirmed")
			o.log.Warn("confirmed translation failed", "speaker", st.id, "error", r.err)
			o.send(ctx, wire.SpeakerError(st.id, wire.ErrTranslationTransient,
				"translation failed; passing source text through"))
		}
	}

	ready := st.completeConfirmed(r.seq, res)
	for _, done := range ready {
		o.send(ctx, wire.ConfirmedTranslation(st.id, done.text))
	}
	if len(ready) > 0 {
		o.dispatchSummary(ctx, st)
	}
}

func (o *Orchestrator) finishPartial(ctx context.Context, st *speakerState, r result) {
	if r.err != nil {
		if translate.IsFatal(r.err) {
			o.markDown(ctx, false, r.err)
			return
		}
		// Partial loss is invisible: the next throttle beat replaces it.
		o.met.RecordPartialDrop(ctx, "error")
		o.log.Debug("partial translation failed", "speaker", st.id, "error", r.err)
		return
	}
	if !st.acceptPartial(r.seq) {
		reason := "superseded"
		if st.partialStale {
			reason = "stale"
		}
		o.met.RecordPartialDrop(ctx, reason)
		return
	}
	o.send(ctx, wire.PartialTranslation(st.id, r.text))
}

func (o *Orchestrator) finishSplit(ctx context.Context, st *speakerState, r result) {
	if r.err != nil {
		st.splitInFlight = false
		o.log.Warn("split failed", "speaker", st.id, "error", r.err)
		return
	}
	unit, toneText, ok := st.applySplit(r.boundary, r.baseline)
	if !ok {
		o.log.Debug("split result stale", "speaker", st.id, "boundary", r.boundary)
		return
	}
	o.met.RecordSeal(ctx, "split")
	o.send(ctx, wire.ConfirmedTranscript(st.id, unit.text))
	o.dispatchConfirmed(ctx, st, unit)
	if rem := st.remainderText(); rem != "" {
		o.send(ctx, wire.PartialTranscript(st.id, rem))
	}
	if toneText != "" {
		o.dispatchTone(ctx, st, toneText)
	}
}

// markDown takes a translator tier out of service after a fatal failure.
// In speed mode both tiers share one connection, so either failure downs
// both. The client hears about each tier at most once; later seals and
// throttle beats short-circuit at dispatch.
func (o *Orchestrator) markDown(ctx context.Context, confirmed bool, err error) {
	tier := "partial"
	alreadyDown := o.partialDown
	if confirmed {
		tier = "confirmed"
		alreadyDown = o.confirmedDown
	}

	if confirmed || o.cfg.Mode == ModeSpeed {
		o.confirmedDown = true
	}
	if !confirmed || o.cfg.Mode == ModeSpeed {
		o.partialDown = true
	}
	if alreadyDown {
		return
	}

	o.met.RecordTranslationError(ctx, o.backendLabel(confirmed), tier)
	o.log.Error("translator down, continuing with transcripts", "tier", tier, "error", err)
	o.send(ctx, wire.Error(wire.ErrTranslationFatal,
		fmt.Sprintf("%s translation unavailable: %v", tier, err)))
}

// ─── Worker dispatch ──────────────────────────────────────────────────────────

// buildRequest snapshots the speaker's translation context. Must run on the
// orchestrator goroutine.
func (o *Orchestrator) buildRequest(st *speakerState, text string) translate.Request {
	req := translate.Request{
		Text:            text,
		SourceLang:      o.cfg.SourceLang,
		TargetLang:      o.cfg.TargetLang,
		Tone:            st.tone,
		ToneInstruction: st.toneInstr,
		Topic:           st.topic,
	}
	if st.lastConfirmedPair != nil {
		pair := *st.lastConfirmedPair
		req.Prev = &pair
	}
	return req
}

func (o *Orchestrator) dispatchConfirmed(ctx context.Context, st *speakerState, unit sealedUnit) {
	if o.confirmedDown {
		return
	}
	o.inflightConfirmed++
	req := o.buildRequest(st, unit.text)
	speaker := st.id

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		text, err := o.translateConfirmed(ctx, req)
		o.post(ctx, result{
			kind: resultConfirmed, speaker: speaker, seq: unit.seq,
			source: req.Text, text: text, err: err,
		})
	}()
}

// translateConfirmed runs one confirmed translation with a per-attempt
// deadline and a single retry on transient failure.
func (o *Orchestrator) translateConfirmed(ctx context.Context, req translate.Request) (string, error) {
	text, err := o.translateOnce(ctx, o.cfg.Confirmed, o.confirmedBackend(), "confirmed", req)
	if err == nil || translate.IsFatal(err) || ctx.Err() != nil {
		return text, err
	}
	return o.translateOnce(ctx, o.cfg.Confirmed, o.confirmedBackend(), "confirmed", req)
}

func (o *Orchestrator) translateOnce(ctx context.Context, tr translate.Translator, backend, kind string, req translate.Request) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, translateTimeout)
	defer cancel()

	start := time.Now()
	text, err := tr.Translate(tctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.met.RecordTranslation(ctx, backend, kind, status, time.Since(start).Seconds())
	return text, err
}

func (o *Orchestrator) dispatchPartial(ctx context.Context, st *speakerState, pd partialDispatch) {
	if o.partialDown {
		return
	}
	req := o.buildRequest(st, pd.text)
	speaker := st.id

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		text, err := o.translateOnce(ctx, o.cfg.Partial, "speed", "partial", req)
		o.post(ctx, result{kind: resultPartial, speaker: speaker, seq: pd.seq, text: text, err: err})
	}()
}

func (o *Orchestrator) dispatchTone(ctx context.Context, st *speakerState, transcript string) {
	if o.toneDet == nil {
		return
	}
	speaker := st.id

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		start := time.Now()
		label, err := o.toneDet.Detect(ctx, transcript)
		o.recordLLMTask(ctx, "tone", start, err)
		o.post(ctx, result{kind: resultTone, speaker: speaker, label: label, err: err})
	}()
}

func (o *Orchestrator) dispatchSplit(ctx context.Context, st *speakerState, words []string, confirmedAt int) {
	if o.split == nil {
		st.splitInFlight = false
		return
	}
	speaker := st.id

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		start := time.Now()
		boundary, err := o.split.Split(ctx, words)
		o.recordLLMTask(ctx, "split", start, err)
		o.post(ctx, result{kind: resultSplit, speaker: speaker, boundary: boundary, baseline: confirmedAt, err: err})
	}()
}

// dispatchSummary refreshes the speaker's rolling topic line. Each batch of
// confirmed completions supersedes the previous request: the old worker is
// cancelled and a generation counter keeps its late result from landing.
func (o *Orchestrator) dispatchSummary(ctx context.Context, st *speakerState) {
	if !o.cfg.TopicSummary || o.cfg.LLM == nil {
		return
	}
	if st.summaryCancel != nil {
		st.summaryCancel()
	}
	sctx, cancel := context.WithCancel(ctx)
	st.summaryCancel = cancel
	st.summaryGen++

	gen := st.summaryGen
	speaker := st.id
	transcript := strings.Join(st.confirmedSourceText, " ")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		start := time.Now()
		reply, err := o.cfg.LLM.Complete(sctx, llm.Request{
			Prompt:      fmt.Sprintf(summaryPrompt, transcript),
			Temperature: 0,
			MaxTokens:   summaryMaxTokens,
		})
		o.recordLLMTask(ctx, "summary", start, err)
		o.post(ctx, result{kind: resultSummary, speaker: speaker, seq: gen, text: strings.TrimSpace(reply), err: err})
	}()
}

// ─── Plumbing ─────────────────────────────────────────────────────────────────

// send enqueues one outbound message, giving up when the session dies while
// the queue is full (slow client teardown path, never a deadlock).
func (o *Orchestrator) send(ctx context.Context, msg wire.Message) {
	select {
	case o.out <- msg:
		o.met.RecordOutbound(ctx, msg.Type)
	case <-ctx.Done():
	}
}

// post delivers a worker result to the loop, dropping it on teardown.
func (o *Orchestrator) post(ctx context.Context, r result) {
	select {
	case o.results <- r:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) recordLLMTask(ctx context.Context, task string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.met.RecordLLMTask(ctx, task, status, time.Since(start).Seconds())
}

func (o *Orchestrator) confirmedBackend() string {
	if o.cfg.Mode == ModeSpeed {
		return "speed"
	}
	return "quality"
}

func (o *Orchestrator) backendLabel(confirmed bool) string {
	if confirmed {
		return o.confirmedBackend()
	}
	return "speed"
}
