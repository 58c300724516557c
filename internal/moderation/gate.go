package moderation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/turn-orchestrator/internal/metrics"
)

type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
)

// Verdict is the classifier decision. Reason is set only when flagged.
type Verdict struct {
	Flagged bool
	Reason  string
}

type Classifier interface {
	Classify(ctx context.Context, text string) (Verdict, error)
}

// ErrUnavailable means the classifier could not produce a verdict and the gate is fail-closed.
var ErrUnavailable = errors.New("moderation unavailable")

// Gate runs the classifier with a configured failure policy. Flagging is
// decided by the classifier alone; the gate never rewrites verdicts.
type Gate struct {
	classifier Classifier
	failOpen   bool
	logger     zerolog.Logger
}

func NewGate(c Classifier, failOpen bool, logger zerolog.Logger) *Gate {
	return &Gate{classifier: c, failOpen: failOpen, logger: logger}
}

func (g *Gate) Check(ctx context.Context, stage Stage, text string) (Verdict, error) {
	v, err := g.classifier.Classify(ctx, text)
	if err != nil {
		if g.failOpen {
			g.logger.Warn().Err(err).Str("stage", string(stage)).Msg("moderation failed, continuing (fail-open)")
			metrics.ModerationDecisions.WithLabelValues(string(stage), "fail_open").Inc()
			return Verdict{}, nil
		}
		metrics.ModerationDecisions.WithLabelValues(string(stage), "unavailable").Inc()
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if v.Flagged {
		if v.Reason == "" {
			v.Reason = "flagged"
		}
		metrics.ModerationDecisions.WithLabelValues(string(stage), "flagged").Inc()
		g.logger.Info().Str("stage", string(stage)).Str("reason", v.Reason).Msg("content flagged")
		return v, nil
	}

	metrics.ModerationDecisions.WithLabelValues(string(stage), "passed").Inc()
	return Verdict{}, nil
}
