// Package authn implements the palm authentication decision engine: it scans
// the full enrolled template collection, selects the global best match and
// applies a single acceptance threshold.
package authn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/palmpay/internal/imaging"
	"github.com/example/palmpay/internal/logging"
	"github.com/example/palmpay/internal/repository"
)

// AcceptThreshold is the one acceptance bound applied everywhere a decision
// is made, including the payment path.
const AcceptThreshold = 0.2

// nearMissThreshold bounds the feedback band below the accept threshold. It
// shapes the user-facing message, never the decision.
const nearMissThreshold = 0.1

const attemptCacheTTL = 5 * time.Minute

// Attempt outcomes recorded in the audit log.
const (
	OutcomeAccepted = "accepted"
	OutcomeNearMiss = "near_miss"
	OutcomeNoMatch  = "no_match"
	OutcomeFailed   = "failed"
)

// Extractor turns raw image bytes into a descriptor set.
type Extractor interface {
	Extract(data []byte) (imaging.DescriptorSet, error)
	Validate(data []byte) (bool, string)
}

// Scorer computes similarity between two descriptor sets.
type Scorer interface {
	Score(a, b imaging.DescriptorSet) float64
}

// TemplateStore persists enrollment templates.
type TemplateStore interface {
	Save(ctx context.Context, t *repository.EnrollmentTemplate) error
	ListAll(ctx context.Context) ([]*repository.EnrollmentTemplate, error)
}

// AttemptStore appends to and reads the authentication audit log.
type AttemptStore interface {
	Append(ctx context.Context, a *repository.AuthAttempt) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.AuthAttempt, error)
	AggregateMetrics(ctx context.Context) (*repository.AttemptAggregation, error)
}

// Result is the outcome of one authentication attempt.
type Result struct {
	RequestID string  `json:"request_id"`
	Identity  string  `json:"identity,omitempty"`
	Score     float64 `json:"score"`
	Outcome   string  `json:"outcome"`
	Message   string  `json:"message"`
}

// Engine makes authentication decisions and records every attempt.
type Engine struct {
	extractor Extractor
	scorer    Scorer
	templates TemplateStore
	attempts  AttemptStore
	cache     Cache
	logger    *zap.Logger

	maxParallel    int
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewEngine constructs the decision engine.
func NewEngine(extractor Extractor, scorer Scorer, templates TemplateStore, attempts AttemptStore, cache Cache, logger *zap.Logger) *Engine {
	return &Engine{
		extractor:      extractor,
		scorer:         scorer,
		templates:      templates,
		attempts:       attempts,
		cache:          cache,
		logger:         logger.Named("authn_engine"),
		maxParallel:    runtime.NumCPU(),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Authenticate scores a probe image against every enrolled template and
// decides on the global best match: there is no early exit on the first
// template above the threshold, an ambiguous multi-candidate accept must
// lose to the true best. Every call is appended to the attempt log, failed
// extractions included (score 0, no identity), for audit continuity.
func (e *Engine) Authenticate(ctx context.Context, imageBytes []byte, origin string) (*Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(e.logger, "authn.authenticate", requestID)

	probe, err := e.extractor.Extract(imageBytes)
	if err != nil {
		opLogger.Warn("feature extraction failed", zap.Error(err))
		res := &Result{RequestID: requestID, Outcome: OutcomeFailed, Message: extractionMessage(err)}
		if logErr := e.recordAttempt(ctx, requestID, "", 0, OutcomeFailed, origin); logErr != nil {
			return nil, logErr
		}
		return res, nil
	}

	templates, err := e.templates.ListAll(ctx)
	if err != nil {
		return nil, logging.NewOperationError("authn.list_templates", requestID, err)
	}

	bestScore, bestIdentity := e.bestMatch(probe, templates, opLogger)

	res := &Result{RequestID: requestID, Score: bestScore}
	switch {
	case bestScore > AcceptThreshold:
		res.Outcome = OutcomeAccepted
		res.Identity = bestIdentity
		res.Message = fmt.Sprintf("palm authentication successful (confidence %.1f%%)", bestScore*100)
	case bestScore > nearMissThreshold:
		res.Outcome = OutcomeNearMiss
		res.Message = fmt.Sprintf("palm partially recognized but confidence too low (%.1f%%), try again with better lighting", bestScore*100)
	default:
		res.Outcome = OutcomeNoMatch
		res.Message = "palm not recognized, make sure your palm is clearly visible and try again"
	}

	if err := e.recordAttempt(ctx, requestID, bestIdentity, bestScore, res.Outcome, origin); err != nil {
		return nil, err
	}
	e.cacheResult(ctx, requestID, res)

	opLogger.Info("authentication decided",
		zap.String("outcome", res.Outcome), zap.Float64("score", bestScore))
	return res, nil
}

// bestMatch scores the probe against all templates concurrently and reduces
// deterministically: the highest score wins, the first enrolled identity
// wins exact ties regardless of goroutine completion order.
func (e *Engine) bestMatch(probe imaging.DescriptorSet, templates []*repository.EnrollmentTemplate, opLogger *zap.Logger) (float64, string) {
	if len(templates) == 0 {
		return 0, ""
	}

	scores := make([]float64, len(templates))
	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	for i, t := range templates {
		i, t := i, t
		g.Go(func() error {
			set, err := imaging.UnmarshalDescriptorSet(t.Descriptors)
			if err != nil {
				opLogger.Warn("corrupt template skipped",
					zap.String("identity", t.Identity), zap.Error(err))
				return nil
			}
			scores[i] = e.scorer.Score(probe, set)
			return nil
		})
	}
	_ = g.Wait() // workers report through the scores slice only

	best, identity := 0.0, ""
	for i, s := range scores {
		opLogger.Debug("template scored",
			zap.String("identity", templates[i].Identity), zap.Float64("score", s))
		if s > best {
			best = s
			identity = templates[i].Identity
		}
	}
	return best, identity
}

// Enroll validates a capture and registers or overwrites the identity's
// template. Re-enrollment replaces the stored descriptor set, never merges.
// Returns the number of descriptors extracted.
func (e *Engine) Enroll(ctx context.Context, identity string, imageBytes []byte) (int, error) {
	if ok, reason := e.extractor.Validate(imageBytes); !ok {
		return 0, fmt.Errorf("%w: %s", imaging.ErrLowQuality, reason)
	}
	set, err := e.extractor.Extract(imageBytes)
	if err != nil {
		return 0, err
	}
	t := &repository.EnrollmentTemplate{
		Identity:    identity,
		Descriptors: set.Marshal(),
		EnrolledAt:  time.Now().UTC(),
	}
	if err := e.templates.Save(ctx, t); err != nil {
		return 0, logging.NewOperationError("authn.save_template", identity, err)
	}
	e.logger.Info("template enrolled",
		zap.String("identity", identity), zap.Int("descriptors", len(set)))
	return len(set), nil
}

// GetAttempt returns a recorded attempt, serving from cache when possible
// and falling back to the audit log.
func (e *Engine) GetAttempt(ctx context.Context, requestID string) (*repository.AuthAttempt, error) {
	opLogger := logging.WithOperation(e.logger, "authn.get_attempt", requestID)
	if raw, err := e.cacheGet(ctx, requestID); err == nil {
		var res Result
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			opLogger.Warn("failed to decode cached attempt", zap.Error(err))
		} else {
			attempt := &repository.AuthAttempt{
				RequestID: res.RequestID,
				Score:     res.Score,
				Outcome:   res.Outcome,
			}
			if res.Identity != "" {
				attempt.Identity = &res.Identity
			}
			return attempt, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return e.attempts.FindByRequestID(ctx, requestID)
}

// MetricsSummary aggregates attempt statistics for operators.
type MetricsSummary struct {
	TotalAttempts    int64   `json:"total_attempts"`
	AcceptedAttempts int64   `json:"accepted_attempts"`
	AcceptRate       float64 `json:"accept_rate"`
	AverageScore     float64 `json:"average_score"`
}

// GetMetricsSummary aggregates attempt statistics from the audit log.
func (e *Engine) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	agg, err := e.attempts.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}
	summary := &MetricsSummary{
		TotalAttempts:    agg.TotalCount,
		AcceptedAttempts: agg.AcceptedCount,
		AverageScore:     agg.AverageScore,
	}
	if agg.TotalCount > 0 {
		summary.AcceptRate = float64(agg.AcceptedCount) / float64(agg.TotalCount)
	}
	return summary, nil
}

func (e *Engine) recordAttempt(ctx context.Context, requestID, identity string, score float64, outcome, origin string) error {
	attempt := &repository.AuthAttempt{
		RequestID: requestID,
		Score:     score,
		Outcome:   outcome,
		Origin:    origin,
		CreatedAt: time.Now().UTC(),
	}
	if identity != "" {
		attempt.Identity = &identity
	}
	if err := e.attempts.Append(ctx, attempt); err != nil {
		return logging.NewOperationError("authn.record_attempt", requestID, err)
	}
	return nil
}

// cacheResult stores the attempt outcome for the result-lookup endpoint.
// Cache failures are non-fatal: the decision is already in the audit log.
func (e *Engine) cacheResult(ctx context.Context, requestID string, res *Result) {
	payload, err := json.Marshal(res)
	if err != nil {
		e.logger.Error("failed to serialize attempt result", zap.Error(err))
		return
	}
	err = e.withCacheRetry(ctx, requestID, "cache.set.attempt", func() error {
		return e.cache.Set(ctx, cacheKey(requestID), string(payload), attemptCacheTTL)
	})
	if err != nil {
		logging.WithOperation(e.logger, "authn.cache_result", requestID).
			Warn("failed to cache attempt result", zap.Error(err))
	}
}

func (e *Engine) cacheGet(ctx context.Context, requestID string) (string, error) {
	var result string
	err := e.withCacheRetry(ctx, requestID, "cache.get.attempt", func() error {
		value, err := e.cache.Get(ctx, cacheKey(requestID))
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (e *Engine) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if e.retryAttempts <= 1 {
		return fn()
	}

	backoff := e.initialBackoff
	opLogger := logging.WithOperation(e.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < e.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= e.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == e.retryAttempts-1 {
			return err
		}
		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return err
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("attempt:%s", requestID)
}

func extractionMessage(err error) string {
	switch {
	case errors.Is(err, imaging.ErrNoFeatures):
		return "no usable features in the capture, try again"
	case errors.Is(err, imaging.ErrLowQuality):
		return err.Error()
	default:
		return "failed to process palm image"
	}
}
