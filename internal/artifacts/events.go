package artifacts

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"mediagw/internal/modelcache"
)

// CacheEvent is the wire form of a model cache event.
type CacheEvent struct {
	Service string         `json:"service"`
	Name    string         `json:"name"`
	Key     string         `json:"key,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// EventPublisher forwards model cache events to NATS core subjects
// "mediagw.<service>.cache.<name>". Publishing is fire-and-forget.
type EventPublisher struct {
	conn    *nats.Conn
	service string
	logger  zerolog.Logger
}

// Events returns a publisher sharing the store's connection, or nil when the
// store was not opened with Connect.
func (s *Store) Events(service string, logger zerolog.Logger) *EventPublisher {
	if s.conn == nil {
		return nil
	}
	return &EventPublisher{conn: s.conn, service: service, logger: logger}
}

// Subject returns the subject an event name is published on.
func (p *EventPublisher) Subject(name string) string {
	return "mediagw." + p.service + ".cache." + name
}

// Publish implements modelcache.EventPublisher.
func (p *EventPublisher) Publish(e modelcache.Event) {
	b, err := json.Marshal(CacheEvent{Service: p.service, Name: e.Name, Key: e.Key, Fields: e.Fields, At: time.Now().UTC()})
	if err != nil {
		p.logger.Debug().Err(err).Str("event", e.Name).Msg("marshal cache event")
		return
	}
	if err := p.conn.Publish(p.Subject(e.Name), b); err != nil {
		p.logger.Debug().Err(err).Str("event", e.Name).Msg("publish cache event")
	}
}
