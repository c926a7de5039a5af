package events

import "errors"

const (
	// KindConnectionOpened identifies an authenticated live connection.
	KindConnectionOpened Kind = "connection_opened"
	// KindConnectionClosed identifies the end of a live connection.
	KindConnectionClosed Kind = "connection_closed"
)

type ConnectionOpened struct {
	RemoteAddr string `json:"remote_addr,omitempty"`
}

func (ConnectionOpened) Kind() Kind { return KindConnectionOpened }

func (ConnectionOpened) validate() error { return nil }

type ConnectionClosed struct {
	Reason     string `json:"reason"`
	DurationMS int64  `json:"duration_ms"`
	Turns      int    `json:"turns"`
}

func (ConnectionClosed) Kind() Kind { return KindConnectionClosed }

func (p ConnectionClosed) validate() error {
	if p.Reason == "" {
		return errors.New("missing close reason")
	}
	if p.DurationMS < 0 || p.Turns < 0 {
		return errors.New("negative duration or turn count")
	}
	return nil
}
