package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

var errWriterStopped = errors.New("writer stopped")

type outboundFrame struct {
	messageType int
	data        []byte
}

type closeFrame struct {
	code int
	text string
}

// outboundWriter is the only goroutine writing to a connection. Frames are
// written in the order they were sent.
type outboundWriter struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration

	frames  chan outboundFrame
	closing chan closeFrame
	done    chan struct{}
}

func newOutboundWriter(conn *websocket.Conn, writeTimeout, pingInterval time.Duration) *outboundWriter {
	return &outboundWriter{
		conn:         conn,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		frames:       make(chan outboundFrame, 16),
		closing:      make(chan closeFrame, 1),
		done:         make(chan struct{}),
	}
}

// run writes frames until finish or abort is called, or a write fails.
func (w *outboundWriter) run(ctx context.Context) error {
	defer close(w.done)

	pingTicker := time.NewTicker(w.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame := <-w.frames:
			if err := w.write(frame); err != nil {
				return err
			}

		case <-pingTicker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout)); err != nil {
				return fmt.Errorf("failed to write ping: %w", err)
			}

		case closing := <-w.closing:
			if err := w.flush(); err != nil {
				return err
			}
			if closing.code != 0 {
				_ = w.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closing.code, closing.text),
					time.Now().Add(w.writeTimeout))
			}
			return nil
		}
	}
}

func (w *outboundWriter) flush() error {
	for {
		select {
		case frame := <-w.frames:
			if err := w.write(frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (w *outboundWriter) write(frame outboundFrame) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := w.conn.WriteMessage(frame.messageType, frame.data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (w *outboundWriter) send(ctx context.Context, frame outboundFrame) error {
	select {
	case w.frames <- frame:
		return nil
	case <-w.done:
		return errWriterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *outboundWriter) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return w.send(ctx, outboundFrame{messageType: websocket.TextMessage, data: data})
}

// finish flushes queued frames, writes a close frame when code is not zero,
// and waits for the writer to stop. Callers must not send after finish.
func (w *outboundWriter) finish(code int, text string, timeout time.Duration) {
	select {
	case w.closing <- closeFrame{code: code, text: text}:
	default:
	}

	select {
	case <-w.done:
	case <-time.After(timeout):
	}
}
