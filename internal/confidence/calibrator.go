package confidence

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
)

const (
	// Neutral is used for any factor without enough data.
	Neutral = 0.5
	// MinSamples is the minimum history before a rate is trusted.
	MinSamples = 5
	// PrecedentWindow is how many recent owner reviews are considered.
	PrecedentWindow = 5
	// DefaultTimeout bounds the signal queries of one calibration.
	DefaultTimeout = 50 * time.Millisecond
)

// Factor weights, summing to 1.0.
const (
	WeightHistorical = 0.30
	WeightSource     = 0.10
	WeightPrecedent  = 0.20
	WeightRules      = 0.15
	WeightGolden     = 0.10
	WeightOutcome    = 0.15
)

// Signals supplies the historical aggregates behind the factors.
type Signals interface {
	// SuccessRate returns the per-tool success EMA and the number of samples behind it.
	SuccessRate(ctx context.Context, tool string) (float64, int, error)
	// RecentReviews returns up to n most recent owner reviews for tool, newest first;
	// true means approved without modification.
	RecentReviews(ctx context.Context, ownerID, tool string, n int) ([]bool, error)
	// RuleConfidences returns the confidences of the owner's active rules for a category.
	RuleConfidences(ctx context.Context, ownerID string, category catalog.Category) ([]float64, error)
	// GoldenMatch reports whether tool is part of a golden trajectory for the intent.
	GoldenMatch(ctx context.Context, ownerID, fingerprint, tool string) (bool, error)
	// OutcomeRate returns the recent downstream-outcome success rate and its sample count.
	OutcomeRate(ctx context.Context, ownerID, tool string) (float64, int, error)
}

// Factors is one calibration. It is never mutated after Calibrate returns.
type Factors struct {
	HistoricalAccuracy float64 `json:"historical_accuracy"`
	SourceQuality      float64 `json:"source_quality"`
	PrecedentAlignment float64 `json:"precedent_alignment"`
	RuleAlignment      float64 `json:"rule_alignment"`
	GoldenPath         float64 `json:"golden_path"`
	OutcomeTrack       float64 `json:"outcome_track"`
	Composite          float64 `json:"composite"`
}

// Proceed reports whether the composite clears threshold.
func (f Factors) Proceed(threshold float64) bool {
	return f.Composite >= threshold
}

// Config configures a Calibrator.
type Config struct {
	Signals Signals
	Timeout time.Duration
	Logger  *zap.Logger
}

// Calibrator computes confidence factors.
type Calibrator struct {
	signals Signals
	timeout time.Duration
	logger  *zap.Logger
}

func NewCalibrator(cfg Config) *Calibrator {
	c := &Calibrator{signals: cfg.Signals, timeout: cfg.Timeout, logger: cfg.Logger}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

type factorID int

const (
	factorHistorical factorID = iota
	factorPrecedent
	factorRules
	factorGolden
	factorOutcome
)

var factorNames = [...]string{
	factorHistorical: "historical_accuracy",
	factorPrecedent:  "precedent_alignment",
	factorRules:      "rule_alignment",
	factorGolden:     "golden_path",
	factorOutcome:    "outcome_track",
}

type factorOutput struct {
	id    factorID
	value float64
	err   error
}

// Calibrate queries the signals in parallel and combines them. Signals that
// fail or miss the deadline contribute the neutral default.
func (c *Calibrator) Calibrate(ctx context.Context, def *catalog.ToolDefinition, ownerID, fingerprint string) Factors {
	values := [...]float64{Neutral, Neutral, Neutral, Neutral, Neutral}

	if c.signals != nil {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		queries := []func(context.Context) (float64, error){
			factorHistorical: func(ctx context.Context) (float64, error) {
				rate, n, err := c.signals.SuccessRate(ctx, def.Name)
				return rateOrNeutral(rate, n), err
			},
			factorPrecedent: func(ctx context.Context) (float64, error) {
				reviews, err := c.signals.RecentReviews(ctx, ownerID, def.Name, PrecedentWindow)
				return precedent(reviews), err
			},
			factorRules: func(ctx context.Context) (float64, error) {
				confs, err := c.signals.RuleConfidences(ctx, ownerID, def.Category)
				return mean(confs), err
			},
			factorGolden: func(ctx context.Context) (float64, error) {
				if fingerprint == "" {
					return Neutral, nil
				}
				ok, err := c.signals.GoldenMatch(ctx, ownerID, fingerprint, def.Name)
				switch {
				case err != nil:
					return Neutral, err
				case ok:
					return 1, nil
				}
				return 0, nil
			},
			factorOutcome: func(ctx context.Context) (float64, error) {
				rate, n, err := c.signals.OutcomeRate(ctx, ownerID, def.Name)
				return rateOrNeutral(rate, n), err
			},
		}

		ch := make(chan factorOutput, len(queries))
		for id, q := range queries {
			go func(id factorID, q func(context.Context) (float64, error)) {
				v, err := q(ctx)
				ch <- factorOutput{id: id, value: v, err: err}
			}(factorID(id), q)
		}

		remaining := len(queries)
		for remaining > 0 {
			select {
			case out := <-ch:
				remaining--
				if out.err != nil {
					c.logger.Warn("confidence signal error",
						zap.String("factor", factorNames[out.id]),
						zap.String("tool_name", def.Name),
						zap.Error(out.err),
					)
					continue
				}
				values[out.id] = clamp(out.value)
			case <-ctx.Done():
				c.logger.Warn("confidence signals timed out, using neutral defaults",
					zap.String("tool_name", def.Name),
					zap.Duration("timeout", c.timeout),
				)
				remaining = 0
			}
		}
	}

	f := Factors{
		HistoricalAccuracy: round3(values[factorHistorical]),
		SourceQuality:      round3(SourceQuality(def.Category)),
		PrecedentAlignment: round3(values[factorPrecedent]),
		RuleAlignment:      round3(values[factorRules]),
		GoldenPath:         round3(values[factorGolden]),
		OutcomeTrack:       round3(values[factorOutcome]),
	}
	f.Composite = round3(WeightHistorical*f.HistoricalAccuracy +
		WeightSource*f.SourceQuality +
		WeightPrecedent*f.PrecedentAlignment +
		WeightRules*f.RuleAlignment +
		WeightGolden*f.GoldenPath +
		WeightOutcome*f.OutcomeTrack)
	return f
}

// SourceQuality is the static trust weight of a tool category.
func SourceQuality(c catalog.Category) float64 {
	switch c {
	case catalog.CategoryQuery:
		return 0.9
	case catalog.CategoryMemory:
		return 0.85
	case catalog.CategoryPlanning:
		return 0.8
	case catalog.CategoryGenerate:
		return 0.75
	case catalog.CategoryAction, catalog.CategoryWorkflow:
		return 0.7
	case catalog.CategoryIntegration:
		return 0.6
	case catalog.CategoryExternal:
		return 0.5
	}
	return Neutral
}

func rateOrNeutral(rate float64, samples int) float64 {
	if samples < MinSamples {
		return Neutral
	}
	return rate
}

func precedent(reviews []bool) float64 {
	if len(reviews) == 0 {
		return Neutral
	}
	if len(reviews) > PrecedentWindow {
		reviews = reviews[:PrecedentWindow]
	}
	approved := 0
	for _, ok := range reviews {
		if ok {
			approved++
		}
	}
	return float64(approved) / float64(len(reviews))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return Neutral
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return Neutral
	}
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
