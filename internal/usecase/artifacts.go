package usecase

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/example/brightstart/internal/logging"
	"github.com/example/brightstart/internal/repository"
	"github.com/example/brightstart/internal/storage"
)

// ErrArtifactMissing is returned when a record's stored image no longer exists.
var ErrArtifactMissing = errors.New("artifact missing")

// DeletePrediction removes the stored image and then the record. A missing
// image is tolerated, and records already flagged as missing never touch
// storage since their name may have been taken by another upload. If the row cannot be deleted after the image is gone,
// the record is flagged so it never silently points at a missing file.
func (uc *PredictionUseCase) DeletePrediction(ctx context.Context, ownerID, id string) error {
	opLogger := logging.WithOperation(uc.logger, "usecase.delete_prediction", id).
		With(zap.String("owner_id", ownerID))

	record, err := uc.repo.FindByID(ctx, id, ownerID)
	if err != nil {
		return err
	}

	removed := false
	if record.Filename != "" && !record.ArtifactMissing {
		err := uc.artifacts.Remove(ctx, record.Filename)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, storage.ErrNotFound):
			opLogger.Info("artifact already missing", zap.String("filename", record.Filename))
		default:
			wrapped := logging.NewOperationError("usecase.delete_artifact", id, err)
			opLogger.Error("failed to delete artifact", logging.ErrorFieldsFor(id, wrapped)...)
			return wrapped
		}
	}

	if err := uc.repo.Delete(ctx, id, ownerID); err != nil {
		if removed && !errors.Is(err, repository.ErrNotFound) {
			if markErr := uc.repo.MarkArtifactMissing(ctx, id); markErr != nil {
				opLogger.Error("record points at a deleted artifact", zap.String("filename", record.Filename), zap.Error(markErr))
			}
		}
		opLogger.Error("failed to delete prediction", logging.ErrorFieldsFor(id, err)...)
		uc.evictRecord(ctx, id)
		return err
	}

	uc.evictRecord(ctx, id)
	opLogger.Info("prediction deleted", zap.String("filename", record.Filename), zap.Bool("artifact_removed", removed))
	return nil
}

// OpenArtifact streams the stored image of a prediction. Records whose image
// has disappeared are flagged and ErrArtifactMissing is returned.
func (uc *PredictionUseCase) OpenArtifact(ctx context.Context, ownerID, id string) (io.ReadCloser, *repository.PredictionRecord, error) {
	record, err := uc.repo.FindByID(ctx, id, ownerID)
	if err != nil {
		return nil, nil, err
	}
	if record.Filename == "" {
		return nil, record, ErrArtifactMissing
	}

	rc, err := uc.artifacts.Open(ctx, record.Filename)
	if err == nil {
		return rc, record, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, record, logging.NewOperationError("usecase.open_artifact", id, err)
	}

	if !record.ArtifactMissing {
		if markErr := uc.repo.MarkArtifactMissing(ctx, id); markErr != nil {
			uc.logger.Warn("failed to flag missing artifact", logging.ErrorFields(markErr)...)
		} else {
			record.ArtifactMissing = true
			uc.evictRecord(ctx, id)
		}
	}
	return nil, record, ErrArtifactMissing
}
