package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	orchestration "github.com/koscakluka/ema-intake/core"
	"github.com/koscakluka/ema-intake/core/events"
	"github.com/koscakluka/ema-intake/core/identity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Close reasons reported on connection_closed events.
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonEndSession       = "end_session"
	ReasonTransportError   = "transport_error"
	ReasonServerShutdown   = "server_shutdown"
)

// Session is the identity and timing of one live connection.
type Session struct {
	ID          string
	TenantID    string
	UserID      string
	RemoteAddr  string
	ConnectedAt time.Time
}

type session struct {
	Session

	manager *Manager
	conn    *websocket.Conn
	states  *stateMachine
	writer  *outboundWriter

	// owned by the reader
	started bool
	buffer  []byte

	turns     chan []byte
	processed atomic.Int32

	reasonMu sync.Mutex
	reason   string
}

func newSession(m *Manager, conn *websocket.Conn, states *stateMachine, caller identity.Identity, remoteAddr string) *session {
	return &session{
		Session: Session{
			ID:          uuid.NewString(),
			TenantID:    caller.TenantID,
			UserID:      caller.UserID,
			RemoteAddr:  remoteAddr,
			ConnectedAt: m.now(),
		},
		manager: m,
		conn:    conn,
		states:  states,
		writer:  newOutboundWriter(conn, m.writeTimeout, m.pingInterval),
		turns:   make(chan []byte),
	}
}

// setReason records why the session is closing. The first reason wins.
func (s *session) setReason(reason string) {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.reason == "" {
		s.reason = reason
	}
}

func (s *session) closeReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.reason == "" {
		return ReasonTransportError
	}
	return s.reason
}

func (s *session) run(parent context.Context) {
	parent, span := tracer.Start(parent, "live session", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("tenant.id", s.TenantID),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	// unblocks the reader; the next read fails on the expired deadline
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	unregister := s.manager.registry.Register(s.ID, func() {
		s.setReason(ReasonServerShutdown)
		cancel()
	})
	defer unregister()

	s.publish(parent, events.ConnectionOpened{RemoteAddr: s.RemoteAddr})
	if s.manager.opened != nil {
		s.manager.opened.Add(parent, 1)
	}

	writerCtx, stopWriter := context.WithCancel(parent)
	defer stopWriter()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := s.writer.run(writerCtx); err != nil {
			logger.Warn("live session writer failed", "session_id", s.ID, "error", err)
			s.setReason(ReasonTransportError)
			cancel()
		}
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.processTurns(ctx)
	}()

	s.setReason(s.read(ctx))
	reason := s.closeReason()
	if err := s.states.transition(StateClosing); err != nil {
		logger.Warn("unexpected session state", "session_id", s.ID, "error", err)
	}

	// a graceful close lets the in-flight turn finish sending
	if reason != ReasonEndSession && reason != ReasonIdleTimeout {
		cancel()
	}
	close(s.turns)
	<-workerDone

	s.writer.finish(closeCode(reason), reason, s.manager.closeTimeout)
	stopWriter()
	<-writerDone
	_ = s.conn.Close()

	if err := s.states.transition(StateClosed); err != nil {
		logger.Warn("unexpected session state", "session_id", s.ID, "error", err)
	}
	turns := int(s.processed.Load())
	s.publish(parent, events.ConnectionClosed{
		Reason:     reason,
		DurationMS: max(s.manager.now().Sub(s.ConnectedAt).Milliseconds(), 0),
		Turns:      turns,
	})
	if s.manager.closed != nil {
		s.manager.closed.Add(parent, 1, metric.WithAttributes(attribute.String("connection.reason", reason)))
	}
	span.SetAttributes(attribute.String("connection.reason", reason), attribute.Int("connection.turns", turns))
	logger.Info("live session closed", "session_id", s.ID, "tenant_id", s.TenantID, "reason", reason, "turns", turns)
}

// read consumes client frames until the session should close and returns the
// reason, or an empty reason when the session was cancelled from elsewhere.
func (s *session) read(ctx context.Context) (reason string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("live session reader panicked", "session_id", s.ID, "panic", recovered)
			reason = ReasonTransportError
		}
	}()

	for {
		_ = s.conn.SetReadDeadline(s.manager.now().Add(s.manager.idleTimeout))
		if ctx.Err() != nil {
			return ""
		}

		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return classifyReadError(ctx, err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			if !s.started {
				s.sendError(ctx, CodeNotStarted, "send start_session before audio")
				continue
			}
			// a frame larger than the free space is split across turns
			for len(data) > 0 {
				n := min(len(data), s.manager.maxAudioBufferBytes-len(s.buffer))
				s.buffer = append(s.buffer, data[:n]...)
				data = data[n:]
				if len(s.buffer) >= s.manager.maxAudioBufferBytes && !s.handOff(ctx) {
					return ""
				}
			}

		case websocket.TextMessage:
			msg, err := DecodeClientMessage(data)
			if err != nil {
				code := CodeBadRequest
				var decodeErr *DecodeError
				if errors.As(err, &decodeErr) {
					code = decodeErr.Code
				}
				s.sendError(ctx, code, err.Error())
				continue
			}

			switch msg := msg.(type) {
			case ClientStartSession:
				s.started = true
				s.send(ctx, ServerSessionStarted{Type: TypeSessionStarted, SessionID: s.ID})
			case ClientEndUtterance:
				if !s.started {
					s.sendError(ctx, CodeNotStarted, "send start_session before audio")
					continue
				}
				if len(s.buffer) == 0 {
					s.sendError(ctx, CodeBadRequest, "no audio buffered")
					continue
				}
				if !s.handOff(ctx) {
					return ""
				}
			case ClientEndSession:
				return ReasonEndSession
			case ClientPing:
				s.send(ctx, ServerPong{Type: TypePong, ID: msg.ID})
			}
		}
	}
}

// handOff passes the buffered audio to the turn worker, blocking while a turn
// is in flight.
func (s *session) handOff(ctx context.Context) bool {
	audio := s.buffer
	s.buffer = nil

	select {
	case s.turns <- audio:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *session) processTurns(ctx context.Context) {
	for audio := range s.turns {
		sequence := int(s.processed.Add(1))
		turn := s.manager.processor.ProcessTurn(ctx, orchestration.TurnRequest{
			SessionID: s.ID,
			TenantID:  s.TenantID,
			UserID:    s.UserID,
			Sequence:  sequence,
			Audio:     audio,
		})
		if err := s.sendTurn(ctx, turn); err != nil {
			logger.Warn("failed to send turn output", "session_id", s.ID, "turn", sequence, "error", err)
		}
	}
}

// sendTurn queues a turn's output in wire order: transcription, response,
// audio chunks, end marker, metrics.
func (s *session) sendTurn(ctx context.Context, turn *orchestration.Turn) error {
	frames := []any{ServerTranscription{
		Type:       TypeTranscription,
		Turn:       turn.Sequence,
		Text:       turn.Transcript,
		Confidence: turn.Confidence,
		Language:   turn.Language,
		NoSpeech:   turn.Outcome == events.OutcomeNoSpeech,
	}}
	if turn.Response != "" {
		frames = append(frames, ServerResponse{
			Type:               TypeResponse,
			Turn:               turn.Sequence,
			Text:               turn.Response,
			Outcome:            string(turn.Outcome),
			RequiresEscalation: turn.RequiresEscalation,
		})
	}
	for _, frame := range frames {
		if err := s.writer.sendJSON(ctx, frame); err != nil {
			return err
		}
	}

	for start := 0; start < len(turn.Audio); start += s.manager.audioChunkBytes {
		end := min(start+s.manager.audioChunkBytes, len(turn.Audio))
		if err := s.writer.send(ctx, outboundFrame{messageType: websocket.BinaryMessage, data: turn.Audio[start:end]}); err != nil {
			return err
		}
	}

	if err := s.writer.sendJSON(ctx, ServerAudioEnd{Type: TypeAudioEnd, Turn: turn.Sequence, Bytes: len(turn.Audio)}); err != nil {
		return err
	}
	return s.writer.sendJSON(ctx, ServerMetrics{
		Type:         TypeMetrics,
		Turn:         turn.Sequence,
		TotalMS:      turn.Total().Milliseconds(),
		TranscribeMS: turn.StageDuration(events.StageTranscribe).Milliseconds(),
		GenerateMS:   turn.StageDuration(events.StageGenerate).Milliseconds(),
		SynthesizeMS: turn.StageDuration(events.StageSynthesize).Milliseconds(),
		TargetMS:     s.manager.latencyTarget.Milliseconds(),
	})
}

func (s *session) send(ctx context.Context, frame any) {
	if err := s.writer.sendJSON(ctx, frame); err != nil {
		logger.Debug("failed to queue frame", "session_id", s.ID, "error", err)
	}
}

func (s *session) sendError(ctx context.Context, code, message string) {
	s.send(ctx, ServerError{Type: TypeError, Code: code, Message: message})
}

// publish emits a connection event. It runs on a detached context so the
// closing event survives a cancelled session.
func (s *session) publish(ctx context.Context, payload events.Payload) {
	if s.manager.publisher == nil {
		return
	}

	ev, err := events.New(payload,
		events.WithSession(s.ID),
		events.WithTenant(s.TenantID),
		events.WithUser(s.UserID),
		events.WithCorrelation(s.ID),
		events.WithTimestamp(s.manager.now()),
	)
	if err != nil {
		logger.Warn("failed to build connection event", "kind", payload.Kind(), "session_id", s.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.manager.publishTimeout)
	defer cancel()
	if err := s.manager.publisher.Publish(ctx, ev); err != nil {
		logger.Warn("failed to publish connection event", "kind", ev.Kind(), "session_id", s.ID, "error", err)
	}
}

func classifyReadError(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return ""
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ReasonClientDisconnect
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonIdleTimeout
	}
	return ReasonTransportError
}

func closeCode(reason string) int {
	switch reason {
	case ReasonEndSession, ReasonIdleTimeout:
		return websocket.CloseNormalClosure
	case ReasonServerShutdown:
		return websocket.CloseGoingAway
	}
	return 0
}
