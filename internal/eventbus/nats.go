package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "escalator/pkg/logx"

	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// NATSBridge republishes bus events to "<prefix>.<event type>".
type NATSBridge struct {
	nc     *nats.Conn
	prefix string
	log    logx.Logger
}

func DialNATS(cfg NATSConfig, log logx.Logger) (*NATSBridge, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("events.nats.url is empty")
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = "escalator"
	}
	name := cfg.Name
	if name == "" {
		name = "escalator"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return &NATSBridge{nc: nc, prefix: prefix, log: log}, nil
}

// Subject returns the subject an event type is published on.
func (b *NATSBridge) Subject(eventType string) string {
	return b.prefix + "." + eventType
}

// Run forwards events until ctx is done.
func (b *NATSBridge) Run(ctx context.Context, bus Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = b.nc.FlushWithContext(fctx)
			cancel()
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(e)
			if err != nil {
				b.log.Warn("event not serializable", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			if err := b.nc.Publish(b.Subject(e.Type), payload); err != nil {
				b.log.Debug("nats publish failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func (b *NATSBridge) Close() {
	if b == nil || b.nc == nil {
		return
	}
	b.nc.Close()
}
