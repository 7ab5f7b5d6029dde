package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/example/brightstart/internal/prediction"
)

// JPEGQuality is the quality used when artifacts are written as JPEG.
const JPEGQuality = 95

// maxNameAttempts bounds how far Store advances the timestamp past taken names.
const maxNameAttempts = 60

var (
	// ErrWriteFailure wraps any failure to persist an artifact.
	ErrWriteFailure = errors.New("artifact write failed")
	// ErrNotFound is returned when an artifact does not exist in the backend.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidName rejects names that would escape the artifact namespace.
	ErrInvalidName = errors.New("invalid artifact name")
	// ErrExists is returned by Backend.Write when the name is already taken.
	ErrExists = errors.New("artifact already exists")
)

// Backend persists encoded artifacts under flat names. Write never replaces
// an existing artifact; it fails with ErrExists instead.
type Backend interface {
	Write(ctx context.Context, name string, data []byte, contentType string) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Remove(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
}

// Artifacts names, encodes and stores processed upload images.
type Artifacts struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

// Option customizes Artifacts.
type Option func(*Artifacts)

// WithClock overrides the time source used for artifact names.
func WithClock(now func() time.Time) Option {
	return func(a *Artifacts) {
		a.now = now
	}
}

// NewArtifacts builds an artifact store on top of backend.
func NewArtifacts(backend Backend, logger *zap.Logger, opts ...Option) *Artifacts {
	a := &Artifacts{
		backend: backend,
		logger:  logger.Named("artifacts"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Store encodes img and writes it under a generated name. When the name is
// already taken, the timestamp is advanced a second at a time so two uploads
// never share a file. The name is returned even when the write fails so
// callers can still record it; the error then wraps ErrWriteFailure.
func (a *Artifacts) Store(ctx context.Context, img image.Image, originalName string, label prediction.Label, owner string) (string, error) {
	ts := a.now()
	name := BuildFilename(label, ts, owner, originalName)
	ext := StorageExtension(originalName)

	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return name, fmt.Errorf("%w: %s: %v", ErrWriteFailure, name, err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return name, fmt.Errorf("%w: encode %s: %v", ErrWriteFailure, name, err)
	}

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name = BuildFilename(label, ts.Add(time.Duration(attempt)*time.Second), owner, originalName)
		err = a.backend.Write(ctx, name, buf.Bytes(), ContentType(name))
		if err == nil {
			a.logger.Debug("artifact stored", zap.String("filename", name), zap.Int("bytes", buf.Len()), zap.Int("attempt", attempt+1))
			return name, nil
		}
		if !errors.Is(err, ErrExists) {
			break
		}
	}
	return name, fmt.Errorf("%w: %s: %v", ErrWriteFailure, name, err)
}

// Open streams a stored artifact.
func (a *Artifacts) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return a.backend.Open(ctx, name)
}

// Remove deletes a stored artifact. Missing artifacts yield ErrNotFound.
func (a *Artifacts) Remove(ctx context.Context, name string) error {
	return a.backend.Remove(ctx, name)
}

// Exists reports whether the artifact is present.
func (a *Artifacts) Exists(ctx context.Context, name string) (bool, error) {
	return a.backend.Exists(ctx, name)
}

// ContentType resolves the MIME type from the artifact extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension("." + StorageExtension(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
