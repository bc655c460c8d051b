package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"tontine/cmd/internal/tontine"
)

// DefaultSubjectPrefix is the subject root events are published under.
const DefaultSubjectPrefix = "tontine.events"

// ConnectNATS dials url with reconnect handling that logs through log.
func ConnectNATS(url, name string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(10 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats.reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats.closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NATSSink publishes events as JSON on <prefix>.<group_id>.<event type>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

var _ Sink = (*NATSSink)(nil)

// NewNATSSink wraps an established connection. An empty prefix uses DefaultSubjectPrefix.
func NewNATSSink(conn *nats.Conn, prefix string) (*NATSSink, error) {
	if conn == nil {
		return nil, errors.New("notify: nil nats connection")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject ev is published on.
func (s *NATSSink) Subject(ev tontine.Event) string {
	return s.prefix + "." + ev.GroupID + "." + string(ev.Type)
}

func (s *NATSSink) Publish(ctx context.Context, ev tontine.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &nats.Msg{
		Subject: s.Subject(ev),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}
