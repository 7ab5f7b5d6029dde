package storage

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/brightstart/internal/prediction"
)

var fixedTime = time.Date(2024, 3, 9, 14, 5, 7, 0, time.FixedZone("WIB", 7*3600))

func solidImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	return img
}

func TestSanitizeOwner(t *testing.T) {
	tests := map[string]string{
		"alice":             "alice",
		"John Doe":          "John_Doe",
		"../../etc/passwd":  "etc_passwd",
		"  spaced   out ":   "spaced_out",
		"dr.smith@clinic":   "dr.smithclinic",
		"_.hidden._":        "hidden",
		"ñandú":             "and",
		"":                  "anonymous",
		"...":               "anonymous",
		"back\\slash\\user": "back_slash_user",
	}
	for input, want := range tests {
		if got := SanitizeOwner(input); got != want {
			t.Errorf("SanitizeOwner(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestStorageExtension(t *testing.T) {
	tests := map[string]string{
		"scan.PNG":  "png",
		"scan.jpeg": "jpeg",
		"scan.tif":  "tif",
		"scan.heic": "jpg",
		"scan.HEIF": "jpg",
		"scan.webp": "jpg",
		"noext":     "jpg",
	}
	for input, want := range tests {
		if got := StorageExtension(input); got != want {
			t.Errorf("StorageExtension(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestBuildFilename(t *testing.T) {
	got := BuildFilename(prediction.LabelDownSyndrome, fixedTime, "alice", "face.jpg")
	if got != "DownSyndrome_20240309_070507_alice.jpg" {
		t.Fatalf("unexpected filename: %s", got)
	}

	pattern := regexp.MustCompile(`^Normal_\d{8}_\d{6}_etc_passwd\.png$`)
	if name := BuildFilename(prediction.LabelNormal, time.Now(), "../../etc/passwd", "x.png"); !pattern.MatchString(name) {
		t.Fatalf("unexpected filename: %s", name)
	}
}

func TestArtifactsStoreWritesJPEG(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocalBackend(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	artifacts := NewArtifacts(backend, zap.NewNop(), WithClock(func() time.Time { return fixedTime }))

	name, err := artifacts.Store(context.Background(), solidImage(64, 48), "photo.heic", prediction.LabelNormal, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "Normal_20240309_070507_alice.jpg" {
		t.Fatalf("unexpected name: %s", name)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "uploads", name))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("artifact is not a JPEG: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Fatalf("artifact dimensions changed: %v", img.Bounds())
	}
}

func TestArtifactsStoreKeepsPNG(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	artifacts := NewArtifacts(backend, zap.NewNop(), WithClock(func() time.Time { return fixedTime }))

	name, err := artifacts.Store(context.Background(), solidImage(8, 8), "scan.png", prediction.LabelDownSyndrome, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rc, err := artifacts.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()
	if _, err := png.Decode(rc); err != nil {
		t.Fatalf("artifact is not a PNG: %v", err)
	}
	if ContentType(name) != "image/png" {
		t.Fatalf("unexpected content type: %s", ContentType(name))
	}
}

type failingBackend struct {
	Backend
}

func (failingBackend) Write(context.Context, string, []byte, string) error {
	return errors.New("disk full")
}

func TestArtifactsStoreReturnsNameOnWriteFailure(t *testing.T) {
	artifacts := NewArtifacts(failingBackend{}, zap.NewNop(), WithClock(func() time.Time { return fixedTime }))

	name, err := artifacts.Store(context.Background(), solidImage(4, 4), "scan.jpg", prediction.LabelNormal, "alice")
	if !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure, got %v", err)
	}
	if name != "Normal_20240309_070507_alice.jpg" {
		t.Fatalf("expected name despite failure, got %q", name)
	}
}

func TestLocalBackendCreatesDirectoryIdempotently(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "uploads")
	if _, err := NewLocalBackend(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := NewLocalBackend(dir)
	if err != nil {
		t.Fatalf("second creation must not fail: %v", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	if err := b.Write(context.Background(), "a.jpg", []byte("x"), "image/jpeg"); err != nil {
		t.Fatalf("write after directory removal: %v", err)
	}
}

func TestLocalBackendWriteNeverReplaces(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	if err := b.Write(ctx, "a.jpg", []byte("first"), "image/jpeg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Write(ctx, "a.jpg", []byte("second"), "image/jpeg"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(b.Dir(), "a.jpg"))
	if err != nil || string(raw) != "first" {
		t.Fatalf("original artifact was modified: %q %v", raw, err)
	}
}

func TestArtifactsStoreAdvancesPastTakenNames(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	artifacts := NewArtifacts(backend, zap.NewNop(), WithClock(func() time.Time { return fixedTime }))
	ctx := context.Background()

	names := make(map[string]struct{})
	for i := 0; i < 3; i++ {
		name, err := artifacts.Store(ctx, solidImage(8, 8), "scan.png", prediction.LabelNormal, "alice")
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		names[name] = struct{}{}
	}
	for _, want := range []string{
		"Normal_20240309_070507_alice.png",
		"Normal_20240309_070508_alice.png",
		"Normal_20240309_070509_alice.png",
	} {
		if _, ok := names[want]; !ok {
			t.Fatalf("expected %s among %v", want, names)
		}
	}
}

func TestLocalBackendRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	b, err := NewLocalBackend(filepath.Join(root, "uploads"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"../escape.jpg", "sub/dir.jpg", "", ".."} {
		if err := b.Write(context.Background(), name, []byte("x"), ""); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "escape.jpg")); !os.IsNotExist(err) {
		t.Fatal("file written outside the upload directory")
	}
}

func TestLocalBackendRemoveAndExists(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	if err := b.Write(ctx, "a.jpg", []byte("x"), "image/jpeg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, err := b.Exists(ctx, "a.jpg"); err != nil || !ok {
		t.Fatalf("expected artifact to exist: %v %v", ok, err)
	}
	if err := b.Remove(ctx, "a.jpg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := b.Exists(ctx, "a.jpg"); ok {
		t.Fatal("expected artifact to be gone")
	}
	if err := b.Remove(ctx, "a.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := b.Open(ctx, "a.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3Backend(t *testing.T) {
	fake := newFakeS3()
	b := NewS3Backend(fake, "bucket", "/predictions/")
	ctx := context.Background()

	if err := b.Write(ctx, "a.jpg", []byte("jpeg-bytes"), "image/jpeg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obj, ok := fake.objects["predictions/a.jpg"]
	if !ok {
		t.Fatalf("object not stored under prefixed key: %v", fake.objects)
	}
	if obj.contentType != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", obj.contentType)
	}

	rc, err := b.Open(ctx, "a.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "jpeg-bytes" {
		t.Fatalf("unexpected body: %q", body)
	}

	if err := b.Remove(ctx, "a.jpg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, err := b.Exists(ctx, "a.jpg"); err != nil || ok {
		t.Fatalf("expected missing object: %v %v", ok, err)
	}
	if err := b.Remove(ctx, "a.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := b.Open(ctx, "a.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := b.Write(ctx, "b.jpg", []byte("one"), "image/jpeg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Write(ctx, "b.jpg", []byte("two"), "image/jpeg"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if got := string(fake.objects["predictions/b.jpg"].data); got != "one" {
		t.Fatalf("object was overwritten: %q", got)
	}
	if err := b.Write(ctx, "../a.jpg", nil, ""); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}
