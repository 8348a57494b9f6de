// Package natsingest supplies a NATS-based ingest transport
// (SPEC_FULL.md supplemental feature "NATS-based ingest transport"):
// collectors publish ingest.Record values as NATS messages, and this
// package subscribes and feeds them into an ingest.Pipeline.
//
// The connection-management, reconnect-handler and subscription-
// tracking shape is grounded on the teacher's pkg/nats/client.go.
package natsingest

import (
	"fmt"
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/nats-io/nats.go"

	"github.com/netdata/dbengine/pkg/dbengine/ingest"
)

// Config mirrors the teacher's NatsConfig shape (SPEC_FULL.md
// config.NATSIngestConfig).
type Config struct {
	Address       string
	Subject       string
	QueueGroup    string
	Username      string
	Password      string
	CredsFilePath string
}

// Subscriber wraps a NATS connection subscribed to one subject,
// decoding each message as an ingest.Record and handing it to a sink.
type Subscriber struct {
	conn *nats.Conn
	sub  *nats.Subscription

	mu        sync.Mutex
	decodeErr int64
}

// Connect dials addr-configured NATS and subscribes subject, routing
// every decodable message into sink.Ingest. If cfg.QueueGroup is set,
// subscribes as part of that queue group for load-balanced delivery
// across multiple engine instances, mirroring Client.SubscribeQueue.
func Connect(cfg Config, sink ingest.Sink) (*Subscriber, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("natsingest: address is required")
	}

	var opts []nats.Option
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}
	opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			cclog.ComponentWarn("natsingest", "disconnected", "error", err.Error())
		}
	}))
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		cclog.ComponentInfo("natsingest", "reconnected", "url", nc.ConnectedUrl())
	}))
	opts = append(opts, nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		cclog.ComponentError("natsingest", "connection error", "error", err.Error())
	}))

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsingest: connect: %w", err)
	}

	s := &Subscriber{conn: nc}
	handler := func(msg *nats.Msg) {
		rec, err := ingest.Decode(msg.Data)
		if err != nil {
			s.mu.Lock()
			s.decodeErr++
			s.mu.Unlock()
			cclog.ComponentError("natsingest", "bad record", "subject", msg.Subject, "error", err.Error())
			return
		}
		if err := sink.Ingest(rec); err != nil {
			cclog.ComponentError("natsingest", "ingest failed", "fingerprint", rec.Fingerprint.String(), "error", err.Error())
		}
	}

	var sub *nats.Subscription
	if cfg.QueueGroup != "" {
		sub, err = nc.QueueSubscribe(cfg.Subject, cfg.QueueGroup, handler)
	} else {
		sub, err = nc.Subscribe(cfg.Subject, handler)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsingest: subscribe to %q: %w", cfg.Subject, err)
	}
	s.sub = sub

	cclog.ComponentInfo("natsingest", "subscribed", "address", cfg.Address, "subject", cfg.Subject)
	return s, nil
}

// DecodeErrors reports the running count of messages that failed to
// decode as an ingest.Record.
func (s *Subscriber) DecodeErrors() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decodeErr
}

// Close unsubscribes and closes the underlying NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			cclog.ComponentWarn("natsingest", "unsubscribe failed", "error", err.Error())
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
