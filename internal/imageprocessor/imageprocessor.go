package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// TargetSize is the spatial resolution the classifier was trained on.
	TargetSize = 224
	// Channels is the number of color channels in the tensor.
	Channels = 3
	// DefaultMaxBytes mirrors the default 10 MB upload ceiling.
	DefaultMaxBytes int64 = 10 * 1024 * 1024
	// MaxPixels caps the declared dimensions of a decoded image. Compressed
	// payloads far below the byte ceiling can otherwise expand to gigabytes.
	MaxPixels = 89_478_485
)

var (
	// ErrUnsupportedFormat is returned for filenames outside the allow-set.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrPayloadTooLarge is returned before decoding when the payload exceeds the ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrDecode wraps failures of the underlying image decoders.
	ErrDecode = errors.New("failed to decode image")
)

var allowedExtensions = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "bmp": {},
	"webp": {}, "tiff": {}, "tif": {}, "heic": {}, "heif": {},
}

// Applied in order; ".." only becomes visible once separators are gone.
var hazardousSequences = []string{"/", "\\", "..", "<", ">", ":", "\"", "|", "?", "*", "\x00"}

// AllowedExtensions returns the accepted extensions in a stable order.
func AllowedExtensions() []string {
	return []string{"jpg", "jpeg", "png", "gif", "bmp", "webp", "tiff", "tif", "heic", "heif"}
}

// SanitizeFilename strips path traversal and shell-hazardous characters.
func SanitizeFilename(name string) string {
	sanitized := name
	for _, seq := range hazardousSequences {
		sanitized = strings.ReplaceAll(sanitized, seq, "")
	}
	return strings.TrimSpace(sanitized)
}

// Extension returns the lower-cased extension without the dot, or "".
func Extension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

// IsAllowed reports whether name carries an accepted image extension.
func IsAllowed(name string) bool {
	if !strings.Contains(name, ".") {
		return false
	}
	_, ok := allowedExtensions[Extension(name)]
	return ok
}

// Tensor is a dense float32 array in NHWC layout.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Valid reports whether the tensor has the single-image classifier shape.
func (t Tensor) Valid() bool {
	if len(t.Shape) != 4 || t.Shape[0] != 1 || t.Shape[1] != TargetSize || t.Shape[2] != TargetSize || t.Shape[3] != Channels {
		return false
	}
	return len(t.Data) == TargetSize*TargetSize*Channels
}

// Normalized is the outcome of a successful normalization: the opaque RGB
// bitmap at its original resolution and the model-ready tensor.
type Normalized struct {
	Filename string
	Format   string
	Bitmap   *image.NRGBA
	Tensor   Tensor
}

// Normalizer validates and canonicalizes uploaded images.
type Normalizer struct {
	maxBytes int64
}

// NewNormalizer builds a normalizer; non-positive maxBytes selects the default ceiling.
func NewNormalizer(maxBytes int64) *Normalizer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Normalizer{maxBytes: maxBytes}
}

// MaxBytes returns the configured payload ceiling.
func (n *Normalizer) MaxBytes() int64 {
	return n.maxBytes
}

// Normalize turns raw bytes into a [1,224,224,3] tensor scaled to [0,1].
func (n *Normalizer) Normalize(data []byte, claimedFilename string) (Tensor, error) {
	out, err := n.Process(data, claimedFilename)
	if err != nil {
		return Tensor{}, err
	}
	return out.Tensor, nil
}

// Validate checks the filename and payload size without decoding.
func (n *Normalizer) Validate(data []byte, claimedFilename string) (string, error) {
	name := SanitizeFilename(claimedFilename)
	if !IsAllowed(name) {
		return name, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedFormat, Extension(name), strings.Join(AllowedExtensions(), ", "))
	}
	if int64(len(data)) > n.maxBytes {
		return name, fmt.Errorf("%w: %.2f MB exceeds the %.0f MB limit", ErrPayloadTooLarge,
			float64(len(data))/1024/1024, float64(n.maxBytes)/1024/1024)
	}
	return name, nil
}

// Process validates, decodes and converts an upload, keeping the RGB bitmap
// for artifact storage alongside the tensor.
func (n *Normalizer) Process(data []byte, claimedFilename string) (*Normalized, error) {
	name, err := n.Validate(data, claimedFilename)
	if err != nil {
		return nil, err
	}
	bitmap, format, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &Normalized{
		Filename: name,
		Format:   format,
		Bitmap:   bitmap,
		Tensor:   ToTensor(bitmap),
	}, nil
}

// Decode decodes data and flattens it to opaque RGB. Images with transparency
// are composited onto white first.
func Decode(data []byte) (*image.NRGBA, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecode)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrDecode, cfg.Width, cfg.Height, MaxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, format, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	return flatten(img), format, nil
}

func flatten(img image.Image) *image.NRGBA {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return imaging.Clone(img)
	}
	bounds := img.Bounds()
	background := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	return imaging.Overlay(background, imaging.Clone(img), image.Pt(0, 0), 1.0)
}

// ToTensor resizes img to 224x224 with a Lanczos filter and scales each
// channel into [0,1] with a leading batch axis.
func ToTensor(img image.Image) Tensor {
	resized := imaging.Resize(img, TargetSize, TargetSize, imaging.Lanczos)
	data := make([]float32, TargetSize*TargetSize*Channels)
	for y := 0; y < TargetSize; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < TargetSize; x++ {
			src := x * 4
			dst := (y*TargetSize + x) * Channels
			data[dst] = float32(row[src]) / 255.0
			data[dst+1] = float32(row[src+1]) / 255.0
			data[dst+2] = float32(row[src+2]) / 255.0
		}
	}
	return Tensor{
		Shape: []int64{1, TargetSize, TargetSize, Channels},
		Data:  data,
	}
}
