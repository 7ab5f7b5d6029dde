package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/brightstart/internal/imageprocessor"
	"github.com/example/brightstart/internal/inference"
	"github.com/example/brightstart/internal/logging"
	"github.com/example/brightstart/internal/prediction"
	"github.com/example/brightstart/internal/repository"
)

const (
	idempotencyPending = "pending"
	idempotencyTTL     = 24 * time.Hour
	pendingTTL         = 10 * time.Minute
	resultTTL          = 10 * time.Minute
)

var errCacheDisabled = errors.New("cache disabled")

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	Create(ctx context.Context, record *repository.PredictionRecord) error
	FindByID(ctx context.Context, id, ownerID string) (*repository.PredictionRecord, error)
	List(ctx context.Context, filter repository.ListFilter) ([]repository.PredictionRecord, error)
	Delete(ctx context.Context, id, ownerID string) error
	MarkArtifactMissing(ctx context.Context, id string) error
	AggregateByLabel(ctx context.Context, ownerID string) ([]repository.LabelSummary, error)
}

// Classifier scores a normalized tensor.
type Classifier interface {
	Predict(ctx context.Context, tensor imageprocessor.Tensor) (float64, error)
}

// ArtifactStore persists processed images.
type ArtifactStore interface {
	Store(ctx context.Context, img image.Image, originalName string, label prediction.Label, owner string) (string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Remove(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

// Stage names a pipeline state.
type Stage string

const (
	StageReceived  Stage = "received"
	StageValidated Stage = "validated"
	StageDecoded   Stage = "decoded"
	StageInferred  Stage = "inferred"
	StageStored    Stage = "stored"
	StageRecorded  Stage = "recorded"
)

// ErrorKind classifies a failed upload for the caller.
type ErrorKind string

const (
	ErrorUnsupportedFormat ErrorKind = "unsupported_format"
	ErrorPayloadTooLarge   ErrorKind = "payload_too_large"
	ErrorDecode            ErrorKind = "decode_error"
	ErrorModelUnavailable  ErrorKind = "model_unavailable"
	ErrorInference         ErrorKind = "inference_error"
	ErrorDuplicateRequest  ErrorKind = "duplicate_request"
	ErrorInternal          ErrorKind = "internal_error"
)

// UploadRequest is one uploaded image.
type UploadRequest struct {
	OwnerID        string
	Filename       string
	Data           []byte
	IdempotencyKey string
}

// Outcome is the structured result of HandleUpload.
type Outcome struct {
	Success   bool                         `json:"success"`
	RequestID string                       `json:"request_id,omitempty"`
	Result    *prediction.Result           `json:"result,omitempty"`
	Record    *repository.PredictionRecord `json:"record,omitempty"`
	ErrorKind ErrorKind                    `json:"error_kind,omitempty"`
	Message   string                       `json:"error,omitempty"`
	// ArtifactStored is false when the image could not be written.
	ArtifactStored bool `json:"artifact_stored"`
	Replayed       bool `json:"replayed,omitempty"`
}

// PredictionUseCase runs the upload-to-prediction pipeline and serves stored predictions.
type PredictionUseCase struct {
	repo             PredictionRepository
	cache            Cache
	classifier       Classifier
	artifacts        ArtifactStore
	normalizer       *imageprocessor.Normalizer
	logger           *zap.Logger
	inferenceTimeout time.Duration
	retryAttempts    int
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	now              func() time.Time
	newID            func() string
}

// Option customizes the use case.
type Option func(*PredictionUseCase)

// WithInferenceTimeout bounds each model call. Zero disables the bound.
func WithInferenceTimeout(d time.Duration) Option {
	return func(uc *PredictionUseCase) {
		uc.inferenceTimeout = d
	}
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(uc *PredictionUseCase) {
		uc.now = now
	}
}

// NewPredictionUseCase constructs a new use case instance. cache may be nil.
func NewPredictionUseCase(repo PredictionRepository, cache Cache, classifier Classifier, artifacts ArtifactStore, normalizer *imageprocessor.Normalizer, logger *zap.Logger, opts ...Option) *PredictionUseCase {
	uc := &PredictionUseCase{
		repo:             repo,
		cache:            cache,
		classifier:       classifier,
		artifacts:        artifacts,
		normalizer:       normalizer,
		logger:           logger.Named("prediction_usecase"),
		inferenceTimeout: 30 * time.Second,
		retryAttempts:    3,
		initialBackoff:   50 * time.Millisecond,
		maxBackoff:       time.Second,
		now:              time.Now,
		newID:            uuid.NewString,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// MaxUploadBytes exposes the normalizer ceiling to the transport layer.
func (uc *PredictionUseCase) MaxUploadBytes() int64 {
	return uc.normalizer.MaxBytes()
}

// HandleUpload validates, classifies, stores and records one upload. It never
// returns a nil outcome.
func (uc *PredictionUseCase) HandleUpload(ctx context.Context, req UploadRequest) *Outcome {
	requestID := uc.newID()
	opLogger := logging.WithOperation(uc.logger, "usecase.handle_upload", requestID).
		With(zap.String("owner_id", req.OwnerID))
	logStage(opLogger, StageReceived, "ok", zap.String("filename", req.Filename), zap.Int("bytes", len(req.Data)))

	idemKey := ""
	if req.IdempotencyKey != "" && uc.cache != nil {
		idemKey = fmt.Sprintf("idempotency:%s:%s", req.OwnerID, req.IdempotencyKey)
		if replay, claimed := uc.claimIdempotencyKey(ctx, requestID, idemKey, opLogger); !claimed {
			return replay
		}
	}

	outcome := uc.runPipeline(ctx, requestID, req, opLogger)

	if idemKey != "" {
		uc.settleIdempotencyKey(ctx, requestID, idemKey, outcome, opLogger)
	}
	return outcome
}

func (uc *PredictionUseCase) runPipeline(ctx context.Context, requestID string, req UploadRequest, opLogger *zap.Logger) *Outcome {
	name, err := uc.normalizer.Validate(req.Data, req.Filename)
	if err != nil {
		return uc.fail(opLogger, requestID, StageValidated, err)
	}
	logStage(opLogger, StageValidated, "ok", zap.String("sanitized_filename", name))

	bitmap, format, err := imageprocessor.Decode(req.Data)
	if err != nil {
		return uc.fail(opLogger, requestID, StageDecoded, err)
	}
	tensor := imageprocessor.ToTensor(bitmap)
	logStage(opLogger, StageDecoded, "ok", zap.String("format", format),
		zap.Int("width", bitmap.Bounds().Dx()), zap.Int("height", bitmap.Bounds().Dy()))

	inferCtx := ctx
	if uc.inferenceTimeout > 0 {
		var cancel context.CancelFunc
		inferCtx, cancel = context.WithTimeout(ctx, uc.inferenceTimeout)
		defer cancel()
	}
	raw, err := uc.classifier.Predict(inferCtx, tensor)
	if err != nil {
		return uc.fail(opLogger, requestID, StageInferred, err)
	}
	result := prediction.Interpret(raw)
	logStage(opLogger, StageInferred, "ok",
		zap.String("label", string(result.Label)),
		zap.Float64("confidence", result.Confidence),
		zap.Float64("raw_probability", result.RawProbability),
	)

	stored := true
	filename, err := uc.artifacts.Store(ctx, bitmap, name, result.Label, req.OwnerID)
	if err != nil {
		stored = false
		logStage(opLogger, StageStored, "failed", zap.String("filename", filename), zap.Error(err))
	} else {
		logStage(opLogger, StageStored, "ok", zap.String("filename", filename))
	}

	record := &repository.PredictionRecord{
		ID:               requestID,
		OwnerID:          req.OwnerID,
		Filename:         filename,
		OriginalFilename: name,
		Label:            string(result.Label),
		Confidence:       result.Confidence,
		ArtifactMissing:  !stored,
		CreatedAt:        uc.now().UTC(),
	}
	if err := uc.repo.Create(ctx, record); err != nil {
		if stored {
			if rmErr := uc.artifacts.Remove(ctx, filename); rmErr != nil {
				opLogger.Error("orphaned artifact left behind", zap.String("filename", filename), zap.Error(rmErr))
			}
		}
		return uc.fail(opLogger, requestID, StageRecorded, err)
	}
	logStage(opLogger, StageRecorded, "ok", zap.String("prediction_id", record.ID))

	uc.cacheRecord(ctx, record)

	return &Outcome{
		Success:        true,
		RequestID:      requestID,
		Result:         &result,
		Record:         record,
		ArtifactStored: stored,
	}
}

func (uc *PredictionUseCase) fail(opLogger *zap.Logger, requestID string, stage Stage, err error) *Outcome {
	kind, message := classifyError(err)
	fields := append([]zap.Field{zap.String("error_kind", string(kind))}, logging.ErrorFieldsFor(requestID, err)...)
	switch kind {
	case ErrorUnsupportedFormat, ErrorPayloadTooLarge, ErrorDecode:
		logStage(opLogger, stage, "rejected", fields...)
	default:
		opLogger.Error("pipeline failed", append(fields, zap.String("stage", string(stage)), zap.String("outcome", "failed"))...)
	}
	return &Outcome{
		Success:   false,
		RequestID: requestID,
		ErrorKind: kind,
		Message:   message,
	}
}

// classifyError maps pipeline failures to the caller-facing taxonomy.
// Validation messages are returned verbatim; everything else is generic.
func classifyError(err error) (ErrorKind, string) {
	switch {
	case errors.Is(err, imageprocessor.ErrUnsupportedFormat):
		return ErrorUnsupportedFormat, err.Error()
	case errors.Is(err, imageprocessor.ErrPayloadTooLarge):
		return ErrorPayloadTooLarge, err.Error()
	case errors.Is(err, imageprocessor.ErrDecode):
		return ErrorDecode, err.Error()
	case errors.Is(err, inference.ErrModelUnavailable):
		return ErrorModelUnavailable, "service unavailable"
	case errors.Is(err, inference.ErrInference):
		return ErrorInference, "prediction failed, please try again"
	default:
		return ErrorInternal, "internal error, please try again"
	}
}

func logStage(logger *zap.Logger, stage Stage, outcome string, fields ...zap.Field) {
	logger.Info("pipeline stage",
		append([]zap.Field{zap.String("stage", string(stage)), zap.String("outcome", outcome)}, fields...)...)
}

// claimIdempotencyKey reserves key for this request. When the key is already
// taken it returns the outcome to hand back: the stored one for a finished
// request, or a duplicate_request failure while the first is in flight.
func (uc *PredictionUseCase) claimIdempotencyKey(ctx context.Context, requestID, key string, opLogger *zap.Logger) (*Outcome, bool) {
	var claimed bool
	err := uc.withRedisRetry(ctx, requestID, "cache.setnx.idempotency", func() error {
		ok, err := uc.cache.SetNX(ctx, key, idempotencyPending, pendingTTL)
		claimed = ok
		return err
	})
	if err != nil {
		opLogger.Warn("idempotency check skipped", logging.ErrorFieldsFor(requestID, err)...)
		return nil, true
	}
	if claimed {
		return nil, true
	}

	stored, err := uc.cacheGet(ctx, requestID, "cache.get.idempotency", key)
	if err == nil && stored != idempotencyPending {
		var previous Outcome
		if jsonErr := json.Unmarshal([]byte(stored), &previous); jsonErr == nil {
			previous.Replayed = true
			opLogger.Info("replaying stored outcome", zap.String("original_request_id", previous.RequestID))
			return &previous, false
		}
	}
	opLogger.Info("duplicate upload in flight")
	return &Outcome{
		Success:   false,
		RequestID: requestID,
		ErrorKind: ErrorDuplicateRequest,
		Message:   "an identical request is already being processed",
	}, false
}

func (uc *PredictionUseCase) settleIdempotencyKey(ctx context.Context, requestID, key string, outcome *Outcome, opLogger *zap.Logger) {
	// Failed uploads release the key so the client can retry.
	if !outcome.Success {
		if err := uc.withRedisRetry(ctx, requestID, "cache.del.idempotency", func() error {
			return uc.cache.Del(ctx, key)
		}); err != nil {
			opLogger.Warn("failed to release idempotency key", logging.ErrorFieldsFor(requestID, err)...)
		}
		return
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		opLogger.Warn("failed to serialize outcome", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.idempotency", func() error {
		return uc.cache.Set(ctx, key, string(payload), idempotencyTTL)
	}); err != nil {
		opLogger.Warn("failed to store outcome", logging.ErrorFieldsFor(requestID, err)...)
	}
}

func recordCacheKey(id string) string {
	return fmt.Sprintf("prediction:%s", id)
}

func (uc *PredictionUseCase) cacheRecord(ctx context.Context, record *repository.PredictionRecord) {
	if uc.cache == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := uc.withRedisRetry(ctx, record.ID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, recordCacheKey(record.ID), string(payload), resultTTL)
	}); err != nil {
		uc.logger.Warn("failed to cache prediction", logging.ErrorFields(err)...)
	}
}

func (uc *PredictionUseCase) evictRecord(ctx context.Context, id string) {
	if uc.cache == nil {
		return
	}
	if err := uc.withRedisRetry(ctx, id, "cache.del.result", func() error {
		return uc.cache.Del(ctx, recordCacheKey(id))
	}); err != nil {
		uc.logger.Warn("failed to evict cached prediction", logging.ErrorFields(err)...)
	}
}

// GetPrediction retrieves a prediction from the cache or the database.
func (uc *PredictionUseCase) GetPrediction(ctx context.Context, ownerID, id string) (*repository.PredictionRecord, error) {
	if uc.cache != nil {
		cached, err := uc.cacheGet(ctx, id, "cache.get.result", recordCacheKey(id))
		switch {
		case err == nil:
			var record repository.PredictionRecord
			if jsonErr := json.Unmarshal([]byte(cached), &record); jsonErr != nil {
				logging.WithOperation(uc.logger, "usecase.get_prediction", id).Warn("failed to decode cached prediction", zap.Error(jsonErr))
			} else if record.OwnerID == ownerID {
				return &record, nil
			}
		case !errors.Is(err, redis.Nil):
			logging.WithOperation(uc.logger, "usecase.get_prediction", id).Warn("failed to read cache", logging.ErrorFieldsFor(id, err)...)
		}
	}

	record, err := uc.repo.FindByID(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	uc.cacheRecord(ctx, record)
	return record, nil
}

// ListPredictions returns an owner's predictions.
func (uc *PredictionUseCase) ListPredictions(ctx context.Context, filter repository.ListFilter) ([]repository.PredictionRecord, error) {
	return uc.repo.List(ctx, filter)
}
