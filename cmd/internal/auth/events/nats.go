package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the JetStream publisher.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
	// FlushTimeout bounds how long Close waits for in-flight publishes.
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// NATS publishes to a JetStream stream bound to auth.>.
type NATS struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	cfg  NATSConfig
	log  *zap.Logger
}

// NewNATS connects, makes sure the stream exists and returns a publisher.
func NewNATS(cfg NATSConfig, log *zap.Logger, opts ...nats.Option) (*NATS, error) {
	if cfg.Stream == "" {
		cfg.Stream = "AUTH"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("events")

	opts = append([]nats.Option{nats.Name("warden")}, opts...)
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := nc.JetStream(nats.PublishAsyncErrHandler(func(_ nats.JetStream, msg *nats.Msg, err error) {
		log.Warn("events.publish.fail", zap.String("subject", msg.Subject), zap.Error(err))
	}))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("nats: stream info: %w", err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{"auth.>"},
			MaxAge:   7 * 24 * time.Hour,
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("nats: add stream: %w", err)
		}
	}

	return &NATS{conn: nc, js: js, cfg: cfg, log: log}, nil
}

// Publish queues ev without waiting for the server ack.
func (p *NATS) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(ev.Type)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)

	_, err = p.js.PublishMsgAsync(msg)
	return err
}

// Close waits briefly for pending acks and drains the connection.
func (p *NATS) Close() {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(p.cfg.FlushTimeout):
		p.log.Warn("events.flush.timeout", zap.Int("pending", p.js.PublishAsyncPending()))
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
