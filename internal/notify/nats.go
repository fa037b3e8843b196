// Package notify forwards committed room updates to NATS so that
// consumers outside the process can follow state changes.
package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/roach88/roomgraph/internal/pdu"
	"github.com/roach88/roomgraph/internal/statecache"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "roomgraph"

// Header names set on every published message.
const (
	HeaderRoomID  = "Roomgraph-Room-Id"
	HeaderEventID = "Roomgraph-Event-Id"
)

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Message is the JSON body of a room update.
type Message struct {
	RoomID         pdu.RoomID     `json:"room_id"`
	EventID        pdu.EventID    `json:"event_id"`
	Type           string         `json:"type"`
	StateKey       *string        `json:"state_key,omitempty"`
	Sender         pdu.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Diff           pdu.StateDelta `json:"state_delta"`
	Extremities    []pdu.EventID  `json:"forward_extremities"`
}

// NATSSink implements statecache.Sink by publishing each update on
// <prefix>.rooms.<room token>, where the token is the room ID in unpadded
// URL-safe base64 so it never contains subject separators.
type NATSSink struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

var _ statecache.Sink = (*NATSSink)(nil)

// SinkOption configures a NATSSink.
type SinkOption func(*NATSSink)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) SinkOption {
	return func(s *NATSSink) { s.logger = l }
}

// NewNATSSink returns a sink publishing under prefix. An empty prefix
// becomes DefaultSubjectPrefix.
func NewNATSSink(pub Publisher, prefix string, opts ...SinkOption) (*NATSSink, error) {
	if pub == nil {
		return nil, errors.New("notify: nil publisher")
	}
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if strings.ContainsAny(prefix, " *>") {
		return nil, fmt.Errorf("notify: invalid subject prefix %q", prefix)
	}
	s := &NATSSink{pub: pub, prefix: prefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Subject returns the subject updates for room are published on.
func (s *NATSSink) Subject(room pdu.RoomID) string {
	return s.prefix + ".rooms." + base64.RawURLEncoding.EncodeToString([]byte(room.String()))
}

// Publish sends one update. The event ID doubles as the JetStream
// deduplication ID.
func (s *NATSSink) Publish(ctx context.Context, u statecache.RoomUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.Event == nil {
		return errors.New("notify: update without event")
	}

	body, err := json.Marshal(Message{
		RoomID:         u.RoomID,
		EventID:        u.Event.EventID,
		Type:           u.Event.Type,
		StateKey:       u.Event.StateKey,
		Sender:         u.Event.Sender,
		OriginServerTS: u.Event.OriginServerTS,
		Diff:           u.Diff,
		Extremities:    u.Extremities,
	})
	if err != nil {
		return fmt.Errorf("notify: encode update: %w", err)
	}

	msg := nats.NewMsg(s.Subject(u.RoomID))
	msg.Data = body
	msg.Header.Set(HeaderRoomID, u.RoomID.String())
	msg.Header.Set(HeaderEventID, u.Event.EventID.String())
	msg.Header.Set(nats.MsgIdHdr, u.Event.EventID.String())

	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("notify: publish %s: %w", msg.Subject, err)
	}
	s.logger.Debug("published room update",
		"subject", msg.Subject,
		"event_id", u.Event.EventID.String(),
	)
	return nil
}

// ConnectConfig configures Connect.
type ConnectConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Connect dials NATS with reconnects enabled indefinitely.
func Connect(cfg ConnectConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("notify: NATS URL missing")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultSubjectPrefix
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", cfg.URL, err)
	}
	return nc, nil
}
