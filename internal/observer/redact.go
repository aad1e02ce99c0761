package observer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/refinery/internal/orchestrator"
)

// RecordScrubber returns a redacted copy of a record and the number of
// secrets it removed.
type RecordScrubber interface {
	ScrubRecord(rec *orchestrator.InteractionRecord) (*orchestrator.InteractionRecord, int, error)
}

// ScrubbingSink redacts records before handing them to the wrapped sink.
// A record that cannot be scrubbed is not published.
type ScrubbingSink struct {
	next     Sink
	scrubber RecordScrubber
	logger   *zap.Logger
}

var _ Sink = (*ScrubbingSink)(nil)

// NewScrubbingSink wraps next.
func NewScrubbingSink(next Sink, scrubber RecordScrubber, logger *zap.Logger) (*ScrubbingSink, error) {
	if next == nil {
		return nil, errors.New("sink is required")
	}
	if scrubber == nil {
		return nil, errors.New("scrubber is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScrubbingSink{next: next, scrubber: scrubber, logger: logger}, nil
}

// Name implements Sink.
func (s *ScrubbingSink) Name() string {
	return s.next.Name()
}

// Publish implements Sink.
func (s *ScrubbingSink) Publish(ctx context.Context, rec *orchestrator.InteractionRecord) error {
	scrubbed, n, err := s.scrubber.ScrubRecord(rec)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("secrets redacted from interaction record",
			zap.String("run.id", rec.RunID),
			zap.String("sink", s.next.Name()),
			zap.Int("redactions", n),
		)
	}
	return s.next.Publish(ctx, scrubbed)
}
