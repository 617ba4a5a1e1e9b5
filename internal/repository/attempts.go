package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/palmpay/internal/logging"
)

// AttemptRepository appends to and reads the authentication audit log.
type AttemptRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAttemptRepository creates a new repository instance.
func NewAttemptRepository(db *gorm.DB, logger *zap.Logger) *AttemptRepository {
	return &AttemptRepository{
		db:             db,
		logger:         logger.Named("attempt_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Append persists one attempt record. Transient storage failures are
// retried so the audit log does not lose entries to a flaky connection.
func (r *AttemptRepository) Append(ctx context.Context, a *AuthAttempt) error {
	return r.executeWithRetry(ctx, "repository.append_attempt", a.RequestID, func() error {
		return r.db.WithContext(ctx).Create(a).Error
	})
}

// FindByRequestID retrieves the attempt recorded under a request identifier.
func (r *AttemptRepository) FindByRequestID(ctx context.Context, requestID string) (*AuthAttempt, error) {
	var a AuthAttempt
	if err := r.db.WithContext(ctx).First(&a, "request_id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// AttemptAggregation holds raw attempt statistics computed in the database.
type AttemptAggregation struct {
	TotalCount    int64
	AcceptedCount int64
	AverageScore  float64
}

// AggregateMetrics computes attempt statistics over the full audit log.
func (r *AttemptRepository) AggregateMetrics(ctx context.Context) (*AttemptAggregation, error) {
	var agg AttemptAggregation
	err := r.db.WithContext(ctx).Model(&AuthAttempt{}).
		Select("COUNT(*) AS total_count, " +
			"COUNT(*) FILTER (WHERE outcome = 'accepted') AS accepted_count, " +
			"COALESCE(AVG(score), 0) AS average_score").
		Scan(&agg).Error
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *AttemptRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("storage operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("storage operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient storage error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
