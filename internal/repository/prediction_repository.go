package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/brightstart/internal/logging"
)

// ErrNotFound is returned when no prediction matches the lookup.
var ErrNotFound = errors.New("prediction not found")

// PredictionRecord represents a persisted classification outcome.
type PredictionRecord struct {
	ID               string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	OwnerID          string    `gorm:"column:owner_id;size:128;index" json:"owner_id"`
	Filename         string    `gorm:"column:filename;size:255" json:"filename"`
	OriginalFilename string    `gorm:"column:original_filename;size:255" json:"original_filename"`
	Label            string    `gorm:"column:label;size:50;index" json:"label"`
	Confidence       float64   `gorm:"column:confidence" json:"confidence"`
	ArtifactMissing  bool      `gorm:"column:artifact_missing;default:false" json:"artifact_missing"`
	CreatedAt        time.Time `gorm:"column:created_at;index" json:"created_at"`
}

// TableName overrides the default table name.
func (PredictionRecord) TableName() string {
	return "predictions"
}

// ListFilter scopes a listing. A zero Limit returns every match.
type ListFilter struct {
	OwnerID string
	Limit   int
}

// LabelSummary aggregates predictions sharing a label.
type LabelSummary struct {
	Label             string  `json:"label"`
	Count             int64   `json:"count"`
	AverageConfidence float64 `json:"average_confidence"`
	MissingArtifacts  int64   `json:"missing_artifacts"`
}

// PredictionRepository provides persistence APIs for prediction records.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionRecord{})
}

// Create persists a prediction record.
func (r *PredictionRepository) Create(ctx context.Context, record *PredictionRecord) error {
	return r.executeWithRetry(ctx, "repository.create", record.ID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByID retrieves a prediction owned by ownerID.
func (r *PredictionRepository) FindByID(ctx context.Context, id, ownerID string) (*PredictionRecord, error) {
	var record PredictionRecord
	err := r.executeWithRetry(ctx, "repository.find_by_id", id, func() error {
		return r.db.WithContext(ctx).First(&record, "id = ? AND owner_id = ?", id, ownerID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns predictions matching filter, newest first.
func (r *PredictionRepository) List(ctx context.Context, filter ListFilter) ([]PredictionRecord, error) {
	var records []PredictionRecord
	err := r.executeWithRetry(ctx, "repository.list", "", func() error {
		return r.listQuery(ctx, filter).Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *PredictionRepository) listQuery(ctx context.Context, filter ListFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&PredictionRecord{})
	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID)
	}
	query = query.Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true})
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	return query
}

// Delete removes a prediction owned by ownerID.
func (r *PredictionRepository) Delete(ctx context.Context, id, ownerID string) error {
	var affected int64
	err := r.executeWithRetry(ctx, "repository.delete", id, func() error {
		result := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&PredictionRecord{})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkArtifactMissing flags a record whose stored file is gone.
func (r *PredictionRepository) MarkArtifactMissing(ctx context.Context, id string) error {
	return r.executeWithRetry(ctx, "repository.mark_artifact_missing", id, func() error {
		return r.db.WithContext(ctx).Model(&PredictionRecord{}).
			Where("id = ?", id).
			Update("artifact_missing", true).Error
	})
}

// AggregateByLabel summarizes predictions per label, optionally for one owner.
func (r *PredictionRepository) AggregateByLabel(ctx context.Context, ownerID string) ([]LabelSummary, error) {
	var rows []LabelSummary
	err := r.executeWithRetry(ctx, "repository.aggregate_by_label", "", func() error {
		return r.aggregateQuery(ctx, ownerID).Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *PredictionRepository) aggregateQuery(ctx context.Context, ownerID string) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&PredictionRecord{}).
		Select("label, COUNT(*) AS count, COALESCE(AVG(confidence), 0) AS average_confidence, " +
			"SUM(CASE WHEN artifact_missing THEN 1 ELSE 0 END) AS missing_artifacts")
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}
	return query.Group("label").Order("label")
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialBackoff
	policy.MaxInterval = r.maxBackoff
	policy.MaxElapsedTime = 0

	opLogger := logging.WithOperation(r.logger, operation, requestID)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		switch {
		case err == nil:
			if attempt > 1 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound) || !isTransientError(err):
			return backoff.Permanent(err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt))
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
