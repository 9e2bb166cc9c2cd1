package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmarchetti/encore/internal/audio"
	"github.com/dmarchetti/encore/internal/protocol"
	"github.com/dmarchetti/encore/internal/session"
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if _, err := s.performer.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	perf := newPerformance(s, sessionID)
	go func() {
		defer close(runDone)
		perf.run(ctx, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if outbound is saturated.
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// performance drives one websocket connection through the line-by-line
// scoring flow. It owns the segmenter, so samples never leak between lines
// or connections.
type performance struct {
	srv       *Server
	sessionID string
	segmenter *audio.Segmenter
}

func newPerformance(srv *Server, sessionID string) *performance {
	return &performance{
		srv:       srv,
		sessionID: sessionID,
		segmenter: audio.NewSegmenter(),
	}
}

func (p *performance) run(ctx context.Context, inbound <-chan any, outbound chan<- any) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case protocol.ClientAudioChunk:
				p.handleAudioChunk(ctx, m, outbound)
			case protocol.ClientControl:
				p.handleControl(ctx, m, outbound)
			}
		}
	}
}

func (p *performance) handleAudioChunk(ctx context.Context, m protocol.ClientAudioChunk, outbound chan<- any) {
	raw, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
	if err != nil {
		p.sendError(ctx, outbound, "invalid_audio_chunk", "gateway", false, "pcm16_base64 is not valid base64")
		return
	}
	p.segmenter.Push(audio.Frame{
		Samples: audio.PCM16FromBytes(raw),
		TSMS:    m.TSMs,
	})
}

func (p *performance) handleControl(ctx context.Context, m protocol.ClientControl, outbound chan<- any) {
	switch m.Action {
	case protocol.ActionLineBegin:
		if err := p.srv.sessions.BeginLine(p.sessionID, m.LineIndex); err != nil {
			p.sendError(ctx, outbound, "line_rejected", "session", false, err.Error())
			return
		}
		if err := p.segmenter.BeginSegment(m.LineIndex, m.SongOffsetMS); err != nil {
			p.sendError(ctx, outbound, "segment_rejected", "audio", false, err.Error())
		}

	case protocol.ActionLineEnd:
		seg, err := p.segmenter.EndSegment(m.LineIndex, m.SongOffsetMS)
		if err != nil {
			p.sendError(ctx, outbound, "segment_rejected", "audio", false, err.Error())
			return
		}
		start := time.Now()
		line, err := p.srv.performer.ScoreLine(ctx, p.sessionID, seg, m.ExpectedText)
		if err != nil {
			p.handleScoreError(ctx, err, outbound)
			return
		}
		p.srv.metrics.ObserveLineScoreLatency(time.Since(start))
		p.srv.metrics.ObserveStage("line_end_to_score", time.Since(start))

		sess, err := p.srv.performer.Get(p.sessionID)
		if err != nil {
			p.sendError(ctx, outbound, "session_lost", "session", false, err.Error())
			return
		}
		p.send(ctx, outbound, protocol.LineScore{
			Type:            protocol.TypeLineScore,
			SessionID:       p.sessionID,
			LineIndex:       line.LineIndex,
			Score:           line.Score,
			NeedsPractice:   line.NeedsPractice,
			ExpectedText:    line.ExpectedText,
			TranscribedText: line.TranscribedText,
			CreditsUsed:     sess.CreditsUsed,
		})

	case protocol.ActionFinalize:
		sess, err := p.srv.performer.Finalize(ctx, p.sessionID)
		if err != nil {
			p.sendError(ctx, outbound, "finalize_rejected", "session", false, err.Error())
			return
		}
		p.srv.metrics.SessionEvents.WithLabelValues("finalized").Inc()
		p.sendSessionResult(ctx, outbound, sess)

	case protocol.ActionAbandon:
		if err := p.srv.performer.Fail(ctx, p.sessionID); err != nil {
			p.sendError(ctx, outbound, "abandon_rejected", "session", false, err.Error())
			return
		}
		p.srv.metrics.SessionEvents.WithLabelValues("abandoned").Inc()
		p.send(ctx, outbound, protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: p.sessionID,
			Code:      "session_abandoned",
		})
	}
}

// handleScoreError distinguishes the budget hard stop, which finalizes the
// session, from per-line rejections the client can correct.
func (p *performance) handleScoreError(ctx context.Context, err error, outbound chan<- any) {
	if errors.Is(err, session.ErrBudgetExceeded) {
		p.srv.metrics.SessionEvents.WithLabelValues("budget_exceeded").Inc()
		sess, gerr := p.srv.performer.Get(p.sessionID)
		if gerr == nil {
			p.sendSessionResult(ctx, outbound, sess)
			return
		}
		err = gerr
	}
	retryable := !errors.Is(err, session.ErrOutOfOrderLine) &&
		!errors.Is(err, session.ErrOverlappingLine) &&
		!errors.Is(err, session.ErrInvalidTransition)
	p.sendError(ctx, outbound, "score_failed", "executor", retryable, err.Error())
}

func (p *performance) sendSessionResult(ctx context.Context, outbound chan<- any, sess *session.Session) {
	p.send(ctx, outbound, protocol.SessionResult{
		Type:        protocol.TypeSessionResult,
		SessionID:   sess.ID,
		Status:      string(sess.Status),
		TotalScore:  sess.TotalScore,
		LineCount:   len(sess.Lines),
		CreditsUsed: sess.CreditsUsed,
	})
}

func (p *performance) sendError(ctx context.Context, outbound chan<- any, code, source string, retryable bool, detail string) {
	p.send(ctx, outbound, protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: p.sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	})
}

// send never blocks past connection teardown: if the writer is gone and the
// outbound buffer is full, the context cancel releases it.
func (p *performance) send(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.LineScore:
		return m.Type, true
	case protocol.SessionResult:
		return m.Type, true
	case protocol.SettlementResult:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
