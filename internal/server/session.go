package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sublexa/sublexa/internal/session"
	"github.com/sublexa/sublexa/pkg/asr"
	"github.com/sublexa/sublexa/pkg/translate"
	"github.com/sublexa/sublexa/pkg/wire"
)

const (
	// writeTimeout bounds a single outbound frame write; a client that
	// cannot accept a frame in this window is treated as gone.
	writeTimeout = 10 * time.Second

	// pingInterval keeps intermediaries from idling out quiet sessions.
	pingInterval = 20 * time.Second

	// maxFrameBytes is the read limit for client frames. A second of
	// 16 kHz PCM16 is 32 KiB, so this leaves generous headroom for
	// batched audio_chunk controls.
	maxFrameBytes = 1 << 20
)

// dialBackoff is the wait schedule between vendor dial attempts. Auth
// rejections skip it; anything else gets one attempt per entry plus the
// initial try.
var dialBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// handleSTT returns the upgrade handler for one vendor endpoint. Everything
// that can be rejected cheaply — missing provider, bad query — is rejected
// before the upgrade.
func (s *Server) handleSTT(vendor string, provider asr.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if provider == nil {
			s.writeHTTPError(w, http.StatusServiceUnavailable, vendor+" vendor not configured")
			return
		}
		params, err := s.sessionParams(r)
		if err != nil {
			s.writeHTTPError(w, http.StatusBadRequest, err.Error())
			return
		}
		confirmed, partial, err := s.pickTranslators(params.mode)
		if err != nil {
			s.writeHTTPError(w, http.StatusServiceUnavailable, err.Error())
			return
		}

		sessionID := uuid.NewString()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Register before the upgrade so a draining server can still
		// answer with a plain 503. The tracker keeps the cancel func to
		// force-close stragglers when the drain deadline expires.
		if s.cfg.Tracker != nil {
			info := SessionInfo{
				ID:         sessionID,
				Vendor:     vendor,
				TargetLang: params.targetLang,
				StartedAt:  time.Now(),
			}
			if err := s.cfg.Tracker.SessionStarted(info, cancel); err != nil {
				s.writeHTTPError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
			defer s.cfg.Tracker.SessionEnded(sessionID)
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: s.cfg.AllowedOrigins,
		})
		if err != nil {
			s.log.Warn("websocket accept failed", "vendor", vendor, "err", err)
			return
		}
		conn.SetReadLimit(maxFrameBytes)

		s.serveSession(ctx, conn, sessionID, vendor, provider, params, confirmed, partial)
	}
}

// serveSession owns one upgraded connection end to end: vendor dial,
// orchestrator lifecycle, and the reader/writer/ping goroutines. It returns
// only when everything underneath has stopped.
func (s *Server) serveSession(parent context.Context, conn *websocket.Conn, sessionID, vendor string, provider asr.Provider, p sessionParams, confirmed, partial translate.Translator) {
	log := s.log.With("session", sessionID, "vendor", vendor)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.met.ActiveSessions.Add(ctx, 1)
	defer s.met.ActiveSessions.Add(context.Background(), -1)

	sess, err := s.dialVendor(ctx, provider, asr.StreamConfig{Language: p.sourceLang}, log)
	if err != nil {
		log.Error("vendor unavailable", "err", err)
		_ = writeMessage(ctx, conn, wire.Error(wire.ErrASRFatal, "speech vendor unavailable: "+err.Error()))
		conn.Close(websocket.StatusInternalError, "asr unavailable")
		return
	}
	defer func() {
		if d, ok := sess.(interface{ Dropped() int64 }); ok {
			s.met.RecordASRDrops(context.Background(), vendor, d.Dropped())
		}
	}()
	defer sess.Close()

	orch, err := session.New(session.Config{
		SessionID:       sessionID,
		SourceLang:      p.sourceLang,
		TargetLang:      p.targetLang,
		Aggressiveness:  p.aggressiveness,
		PartialInterval: p.partialInterval,
		Mode:            p.mode,
		TopicSummary:    s.cfg.TopicSummary,
		Confirmed:       confirmed,
		Partial:         partial,
		LLM:             s.cfg.LLM,
		Logger:          s.log,
		Metrics:         s.met,
	})
	if err != nil {
		log.Error("session construction failed", "err", err)
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	if err := writeMessage(ctx, conn, wire.SessionStarted(sessionID)); err != nil {
		log.Warn("client went away during handshake", "err", err)
		conn.Close(websocket.StatusGoingAway, "")
		return
	}
	log.Info("session started",
		"target_lang", p.targetLang,
		"source_lang", p.sourceLang,
		"mode", p.mode,
		"aggressiveness", p.aggressiveness,
		"partial_interval", p.partialInterval,
	)

	g, gctx := errgroup.WithContext(ctx)

	// Orchestrator: consumes vendor events until end-of-stream or cancel.
	g.Go(func() error {
		return orch.Run(gctx, sess.Events())
	})

	// Writer: sole owner of data-frame writes. When the outbound channel
	// closes the session is over, so it cancels the rest on the way out.
	g.Go(func() error {
		defer cancel()
		for msg := range orch.Outbound() {
			if err := writeMessage(gctx, conn, msg); err != nil {
				if gctx.Err() == nil {
					log.Debug("client write failed", "type", msg.Type, "err", err)
				}
				return nil
			}
		}
		// Outbound closed without a cancel: the orchestrator is done. A
		// vendor stream that died rather than flushing cleanly is reported
		// before the close frame.
		if serr := sess.Err(); serr != nil && gctx.Err() == nil {
			_ = writeMessage(gctx, conn, wire.Error(wire.ErrASRTransient, "speech vendor stream failed: "+serr.Error()))
		}
		return nil
	})

	// Reader: client frames in, audio out to the vendor. A disconnect is a
	// normal way for a session to end, so it cancels rather than erroring.
	g.Go(func() error {
		defer cancel()
		return s.readClient(gctx, conn, sess, log)
	})

	// Ping loop.
	g.Go(func() error {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				pctx, pcancel := context.WithTimeout(gctx, writeTimeout)
				err := conn.Ping(pctx)
				pcancel()
				if err != nil {
					if gctx.Err() == nil {
						log.Debug("ping failed", "err", err)
						cancel()
					}
					return nil
				}
			}
		}
	})

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		log.Error("session ended with error", "err", err)
		conn.Close(websocket.StatusInternalError, "session error")
	}
	log.Info("session closed")
}

// dialVendor opens the recognition stream, retrying transient failures on
// the dialBackoff schedule. Auth rejections are final immediately.
func (s *Server) dialVendor(ctx context.Context, provider asr.Provider, cfg asr.StreamConfig, log *slog.Logger) (asr.Session, error) {
	for attempt := 0; ; attempt++ {
		sess, err := provider.StartStream(ctx, cfg)
		if err == nil {
			if attempt > 0 {
				log.Info("vendor dial recovered", "attempts", attempt+1)
			}
			return sess, nil
		}
		if errors.Is(err, asr.ErrAuth) {
			return nil, fmt.Errorf("server: vendor rejected credentials: %w", err)
		}
		if attempt >= len(dialBackoff) {
			return nil, fmt.Errorf("server: vendor dial failed after %d attempts: %w", attempt+1, err)
		}
		log.Warn("vendor dial failed; retrying",
			"attempt", attempt+1,
			"backoff", dialBackoff[attempt],
			"err", err,
		)
		select {
		case <-time.After(dialBackoff[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// readClient pumps client frames into the vendor session until the client
// goes away or ctx is canceled. Binary frames are raw PCM16; text frames
// are JSON controls. Audio forwarding failures are logged and swallowed —
// vendor death surfaces through the event stream, not here.
func (s *Server) readClient(ctx context.Context, conn *websocket.Conn, sess asr.Session, log *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Info("client disconnected")
			default:
				log.Warn("client read failed", "err", err)
			}
			return nil
		}

		switch typ {
		case websocket.MessageBinary:
			if err := sess.SendAudio(data); err != nil {
				log.Debug("audio forward failed", "err", err)
			}
		case websocket.MessageText:
			var ctl wire.Control
			if err := json.Unmarshal(data, &ctl); err != nil {
				log.Debug("unparseable control frame", "err", err)
				continue
			}
			switch ctl.Type {
			case wire.ControlAudioChunk:
				raw, err := base64.StdEncoding.DecodeString(ctl.AudioBase64)
				if err != nil {
					log.Debug("audio_chunk with bad base64", "err", err)
					continue
				}
				if err := sess.SendAudio(raw); err != nil {
					log.Debug("audio forward failed", "err", err)
				}
			case wire.ControlEndStream:
				if err := sess.EndStream(); err != nil {
					log.Debug("end stream failed", "err", err)
				}
			default:
				log.Debug("ignoring unknown control type", "type", ctl.Type)
			}
		}
	}
}

// writeMessage marshals msg and writes it as one text frame under the
// write deadline.
func writeMessage(ctx context.Context, conn *websocket.Conn, msg wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: encode %s: %w", msg.Type, err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
