package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/config"
	"github.com/fyrsmithlabs/refinery/internal/logging"
	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
)

// ConnectNATS dials the configured NATS server.
func ConnectNATS(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name("refinery"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NATSSink publishes records as JSON to <subject>.<status>.
//
// Subjects:
//   - refinery.interactions.converged
//   - refinery.interactions.failed
type NATSSink struct {
	nats    *nats.Conn
	subject string
}

// NewNATSSink creates a sink publishing under subject.
func NewNATSSink(nc *nats.Conn, subject string) (*NATSSink, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	return &NATSSink{nats: nc, subject: subject}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string {
	return "nats"
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, rec *orchestrator.InteractionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	status := string(rec.Status)
	if status == "" {
		status = "unknown"
	}
	if err := s.nats.Publish(s.subject+"."+status, data); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}
	return nil
}

// NATSSource subscribes to <subject>.> and records every decoded record into
// a MetaObserver, aggregating runs from many processes into one log.
type NATSSource struct {
	nats     *nats.Conn
	subject  string
	observer *MetaObserver
	logger   *zap.Logger
	sub      *nats.Subscription
}

// NewNATSSource creates a source feeding obs.
func NewNATSSource(nc *nats.Conn, subject string, obs *MetaObserver, logger *zap.Logger) (*NATSSource, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if obs == nil {
		return nil, errors.New("observer is required")
	}
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSource{nats: nc, subject: subject, observer: obs, logger: logger}, nil
}

// Start subscribes. Messages are handled on the nats client goroutine.
func (s *NATSSource) Start(ctx context.Context) error {
	if s.sub != nil {
		return errors.New("nats source already started")
	}

	sub, err := s.nats.Subscribe(s.subject+".>", func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", s.subject, err)
	}
	if err := s.nats.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}

	s.sub = sub
	s.logger.Info("nats source subscribed", zap.String("subject", s.subject+".>"))
	return nil
}

// Stop unsubscribes.
func (s *NATSSource) Stop() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}

func (s *NATSSource) handle(ctx context.Context, msg *nats.Msg) {
	var rec orchestrator.InteractionRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		s.logger.Warn("dropping undecodable record",
			append(logging.ContextFields(ctx),
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)...,
		)
		return
	}
	if err := s.observer.Record(&rec); err != nil {
		s.logger.Warn("dropping record", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func validateSubject(subject string) error {
	if subject == "" {
		return errors.New("nats subject is required")
	}
	if strings.ContainsAny(subject, "*> \t") {
		return fmt.Errorf("nats subject %q must not contain wildcards or whitespace", subject)
	}
	return nil
}
