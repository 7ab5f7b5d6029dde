package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/brightstart/internal/auth"
	"github.com/example/brightstart/internal/inference"
	"github.com/example/brightstart/internal/prediction"
	"github.com/example/brightstart/internal/repository"
	"github.com/example/brightstart/internal/storage"
	"github.com/example/brightstart/internal/usecase"
)

const (
	// multipartOverhead leaves room for boundaries and headers around the file.
	multipartOverhead = 1 << 20
	maxListLimit      = 100
	defaultListLimit  = 50
)

// PredictionService is the use case surface consumed by the HTTP layer.
type PredictionService interface {
	HandleUpload(ctx context.Context, req usecase.UploadRequest) *usecase.Outcome
	GetPrediction(ctx context.Context, ownerID, id string) (*repository.PredictionRecord, error)
	ListPredictions(ctx context.Context, filter repository.ListFilter) ([]repository.PredictionRecord, error)
	DeletePrediction(ctx context.Context, ownerID, id string) error
	OpenArtifact(ctx context.Context, ownerID, id string) (io.ReadCloser, *repository.PredictionRecord, error)
	GetMetricsSummary(ctx context.Context, ownerID string) (*usecase.MetricsSummary, error)
	MaxUploadBytes() int64
}

// ModelStatus reports classifier readiness.
type ModelStatus interface {
	Ready() bool
	Info() (inference.ModelInfo, bool)
}

// Options tunes route registration.
type Options struct {
	Logger           *zap.Logger
	UploadsPerMinute int
}

type handler struct {
	svc    PredictionService
	model  ModelStatus
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc PredictionService, model ModelStatus, authMiddleware gin.HandlerFunc, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, model: model, logger: logger.Named("http")}

	router.GET("/health", h.health)

	protected := router.Group("/")
	if authMiddleware != nil {
		protected.Use(authMiddleware)
	}
	protected.POST("/predict", OwnerRateLimit(opts.UploadsPerMinute), h.predict)
	protected.GET("/predictions", h.listPredictions)
	protected.GET("/predictions/:id", h.getPrediction)
	protected.GET("/predictions/:id/image", h.getPredictionImage)
	protected.DELETE("/predictions/:id", h.deletePrediction)
	protected.GET("/metrics/summary", h.metricsSummary)
}

func (h *handler) health(c *gin.Context) {
	body := gin.H{"status": "ok", "model_loaded": false}
	if h.model != nil {
		if info, ok := h.model.Info(); ok {
			body["model_loaded"] = true
			body["model"] = gin.H{"input_shape": info.InputShape, "output_shape": info.OutputShape}
		}
	}
	c.JSON(http.StatusOK, body)
}

func ownerID(c *gin.Context) (string, bool) {
	owner, ok := auth.GetOwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthenticated"})
		return "", false
	}
	return owner, true
}

func (h *handler) predict(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	limit := h.svc.MaxUploadBytes() + multipartOverhead
	if c.Request.ContentLength > limit {
		tooLarge(c, h.svc.MaxUploadBytes())
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			tooLarge(c, h.svc.MaxUploadBytes())
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no file uploaded"})
		return
	}
	if file.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no file selected"})
		return
	}
	if file.Size > h.svc.MaxUploadBytes() {
		tooLarge(c, h.svc.MaxUploadBytes())
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unable to open file"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to read file"})
		return
	}

	outcome := h.svc.HandleUpload(c.Request.Context(), usecase.UploadRequest{
		OwnerID:        owner,
		Filename:       file.Filename,
		Data:           data,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if !outcome.Success {
		c.JSON(statusForKind(outcome.ErrorKind), gin.H{
			"success":    false,
			"error":      outcome.Message,
			"error_kind": outcome.ErrorKind,
			"request_id": outcome.RequestID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"request_id":      outcome.RequestID,
		"result":          resultBody(outcome.Result),
		"prediction":      outcome.Record,
		"artifact_stored": outcome.ArtifactStored,
		"replayed":        outcome.Replayed,
	})
}

func tooLarge(c *gin.Context, maxBytes int64) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"success":    false,
		"error":      "file too large, maximum " + strconv.FormatInt(maxBytes/(1<<20), 10) + " MB",
		"error_kind": usecase.ErrorPayloadTooLarge,
	})
}

func resultBody(r *prediction.Result) gin.H {
	if r == nil {
		return nil
	}
	return gin.H{
		"class":                 r.Label,
		"confidence":            r.Confidence,
		"confidence_percentage": r.ConfidencePercentage(),
		"probabilities":         r.ProbabilityPercentages(),
	}
}

func statusForKind(kind usecase.ErrorKind) int {
	switch kind {
	case usecase.ErrorUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case usecase.ErrorPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case usecase.ErrorDecode:
		return http.StatusBadRequest
	case usecase.ErrorModelUnavailable:
		return http.StatusServiceUnavailable
	case usecase.ErrorDuplicateRequest:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) listPredictions(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	filter, err := parseListFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	filter.OwnerID = owner

	records, err := h.svc.ListPredictions(c.Request.Context(), filter)
	if err != nil {
		h.internalError(c, "list predictions", err)
		return
	}
	if records == nil {
		records = []repository.PredictionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "predictions": records, "count": len(records)})
}

func parseListFilter(c *gin.Context) (repository.ListFilter, error) {
	filter := repository.ListFilter{Limit: defaultListLimit}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (h *handler) getPrediction(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	record, err := h.svc.GetPrediction(c.Request.Context(), owner, c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "prediction not found"})
			return
		}
		h.internalError(c, "get prediction", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "prediction": record})
}

func (h *handler) getPredictionImage(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	rc, record, err := h.svc.OpenArtifact(c.Request.Context(), owner, c.Param("id"))
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "prediction not found"})
		return
	case errors.Is(err, usecase.ErrArtifactMissing):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "image file is missing"})
		return
	case err != nil:
		h.internalError(c, "open artifact", err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, -1, storage.ContentType(record.Filename), rc, map[string]string{
		"Content-Disposition": `inline; filename="` + record.Filename + `"`,
	})
}

func (h *handler) deletePrediction(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	if err := h.svc.DeletePrediction(c.Request.Context(), owner, c.Param("id")); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "prediction not found"})
			return
		}
		h.internalError(c, "delete prediction", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handler) metricsSummary(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	summary, err := h.svc.GetMetricsSummary(c.Request.Context(), owner)
	if err != nil {
		h.internalError(c, "metrics summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) internalError(c *gin.Context, action string, err error) {
	h.logger.Error(action+" failed", zap.Error(err), zap.String("path", c.FullPath()))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error, please try again"})
}
