package events

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"time"

	"github.com/google/uuid"
)

type Kind string

// Payload is the kind-specific part of an event. The set of payloads is closed:
// only types declared in this package implement it.
type Payload interface {
	Kind() Kind
	validate() error
}

var (
	ErrInvalidTenant  = errors.New("invalid tenant id")
	ErrInvalidPayload = errors.New("invalid event payload")
	ErrUnknownKind    = errors.New("unknown event kind")
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ReservedTenantID names the stream shared by every tenant. No tenant may use
// it as its own id.
const ReservedTenantID = "global"

// ValidateTenantID rejects tenant ids that could address a stream key other
// than the tenant's own.
func ValidateTenantID(tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) || tenantID == ReservedTenantID {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return nil
}

// Event is an immutable record of something that happened in a session.
type Event struct {
	id            string
	kind          Kind
	sessionID     string
	tenantID      string
	userID        string
	correlationID string
	timestamp     time.Time
	payload       Payload
	metadata      map[string]string
}

type Option func(*Event)

func WithID(id string) Option {
	return func(e *Event) { e.id = id }
}

func WithSession(sessionID string) Option {
	return func(e *Event) { e.sessionID = sessionID }
}

func WithTenant(tenantID string) Option {
	return func(e *Event) { e.tenantID = tenantID }
}

func WithUser(userID string) Option {
	return func(e *Event) { e.userID = userID }
}

func WithCorrelation(correlationID string) Option {
	return func(e *Event) { e.correlationID = correlationID }
}

func WithTimestamp(timestamp time.Time) Option {
	return func(e *Event) { e.timestamp = timestamp.UTC() }
}

// WithMetadata adds a single free-form annotation.
func WithMetadata(key, value string) Option {
	return func(e *Event) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithMetadataMap merges annotations; later keys overwrite earlier ones.
func WithMetadataMap(metadata map[string]string) Option {
	return func(e *Event) {
		if len(metadata) == 0 {
			return
		}
		if e.metadata == nil {
			e.metadata = make(map[string]string, len(metadata))
		}
		maps.Copy(e.metadata, metadata)
	}
}

// New builds an event around payload. The tenant is mandatory and the payload
// is validated before the event exists.
func New(payload Payload, opts ...Option) (Event, error) {
	if payload == nil {
		return Event{}, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}

	e := Event{
		id:        uuid.NewString(),
		kind:      payload.Kind(),
		timestamp: time.Now().UTC(),
		payload:   payload,
	}
	for _, opt := range opts {
		opt(&e)
	}

	if err := e.validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (e Event) validate() error {
	if e.id == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}
	if err := ValidateTenantID(e.tenantID); err != nil {
		return err
	}
	if err := e.payload.validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, e.kind, err)
	}
	return nil
}

func (e Event) ID() string                  { return e.id }
func (e Event) Kind() Kind                  { return e.kind }
func (e Event) SessionID() string           { return e.sessionID }
func (e Event) TenantID() string            { return e.tenantID }
func (e Event) UserID() string              { return e.userID }
func (e Event) CorrelationID() string       { return e.correlationID }
func (e Event) Timestamp() time.Time        { return e.timestamp }
func (e Event) Payload() Payload            { return e.payload }
func (e Event) Metadata() map[string]string { return maps.Clone(e.metadata) }

// MetadataValue returns a single annotation without copying the map.
func (e Event) MetadataValue(key string) (string, bool) {
	v, ok := e.metadata[key]
	return v, ok
}

// PayloadAs returns the payload of e as T when the kinds match.
func PayloadAs[T Payload](e Event) (T, bool) {
	p, ok := e.payload.(T)
	return p, ok
}
