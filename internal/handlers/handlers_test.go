package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/brightstart/internal/auth"
	"github.com/example/brightstart/internal/inference"
	"github.com/example/brightstart/internal/prediction"
	"github.com/example/brightstart/internal/repository"
	"github.com/example/brightstart/internal/usecase"
)

const (
	testJWTSecret = "test-secret"
	testMaxBytes  = 1 << 10
)

type stubService struct {
	outcome     *usecase.Outcome
	uploads     []usecase.UploadRequest
	record      *repository.PredictionRecord
	getErr      error
	listFilter  repository.ListFilter
	deleteErr   error
	deleted     []string
	artifact    string
	artifactErr error
	summary     *usecase.MetricsSummary
}

func (s *stubService) HandleUpload(ctx context.Context, req usecase.UploadRequest) *usecase.Outcome {
	s.uploads = append(s.uploads, req)
	return s.outcome
}

func (s *stubService) GetPrediction(ctx context.Context, ownerID, id string) (*repository.PredictionRecord, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.record, nil
}

func (s *stubService) ListPredictions(ctx context.Context, filter repository.ListFilter) ([]repository.PredictionRecord, error) {
	s.listFilter = filter
	return nil, nil
}

func (s *stubService) DeletePrediction(ctx context.Context, ownerID, id string) error {
	s.deleted = append(s.deleted, ownerID+"/"+id)
	return s.deleteErr
}

func (s *stubService) OpenArtifact(ctx context.Context, ownerID, id string) (io.ReadCloser, *repository.PredictionRecord, error) {
	if s.artifactErr != nil {
		return nil, s.record, s.artifactErr
	}
	return io.NopCloser(strings.NewReader(s.artifact)), s.record, nil
}

func (s *stubService) GetMetricsSummary(ctx context.Context, ownerID string) (*usecase.MetricsSummary, error) {
	return s.summary, nil
}

func (s *stubService) MaxUploadBytes() int64 {
	return testMaxBytes
}

type stubModel struct{ ready bool }

func (m stubModel) Ready() bool { return m.ready }

func (m stubModel) Info() (inference.ModelInfo, bool) {
	if !m.ready {
		return inference.ModelInfo{}, false
	}
	return inference.ModelInfo{InputShape: []int64{1, 224, 224, 3}, OutputShape: []int64{1, 1}}, true
}

func newTestRouter(svc *stubService, uploadsPerMinute int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, svc, stubModel{ready: true}, auth.JWTMiddleware(testJWTSecret, "", zap.NewNop()),
		Options{Logger: zap.NewNop(), UploadsPerMinute: uploadsPerMinute})
	return router
}

func successOutcome() *usecase.Outcome {
	result := prediction.Interpret(0.9731)
	return &usecase.Outcome{
		Success:        true,
		RequestID:      "req-1",
		Result:         &result,
		Record:         &repository.PredictionRecord{ID: "req-1", OwnerID: "alice", Filename: "Normal_20240101_000000_alice.jpg"},
		ArtifactStored: true,
	}
}

func doUpload(t *testing.T, router *gin.Engine, subject, filename string, payload []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := buildMultipartBody(t, filename, payload)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, subject))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func doRequest(t *testing.T, router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "alice"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestPredictReturnsResult(t *testing.T) {
	svc := &stubService{outcome: successOutcome()}
	router := newTestRouter(svc, 0)

	resp := doUpload(t, router, "alice", "face.png", []byte("png"), map[string]string{"Idempotency-Key": " abc "})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	var body struct {
		Success bool `json:"success"`
		Result  struct {
			Class                string            `json:"class"`
			ConfidencePercentage string            `json:"confidence_percentage"`
			Probabilities        map[string]string `json:"probabilities"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !body.Success || body.Result.Class != "Normal" || body.Result.ConfidencePercentage != "97.31%" {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	if body.Result.Probabilities["Down Syndrome"] != "2.69%" {
		t.Fatalf("unexpected probabilities: %v", body.Result.Probabilities)
	}

	if len(svc.uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(svc.uploads))
	}
	got := svc.uploads[0]
	if got.OwnerID != "alice" || got.Filename != "face.png" || string(got.Data) != "png" || got.IdempotencyKey != "abc" {
		t.Fatalf("unexpected upload request: %+v", got)
	}
}

func TestPredictMapsErrorKinds(t *testing.T) {
	tests := map[usecase.ErrorKind]int{
		usecase.ErrorUnsupportedFormat: http.StatusUnsupportedMediaType,
		usecase.ErrorPayloadTooLarge:   http.StatusRequestEntityTooLarge,
		usecase.ErrorDecode:            http.StatusBadRequest,
		usecase.ErrorModelUnavailable:  http.StatusServiceUnavailable,
		usecase.ErrorInference:         http.StatusInternalServerError,
		usecase.ErrorDuplicateRequest:  http.StatusConflict,
		usecase.ErrorInternal:          http.StatusInternalServerError,
	}
	for kind, status := range tests {
		t.Run(string(kind), func(t *testing.T) {
			svc := &stubService{outcome: &usecase.Outcome{ErrorKind: kind, Message: "nope"}}
			resp := doUpload(t, newTestRouter(svc, 0), "alice", "upload.png", []byte("x"), nil)
			if resp.Code != status {
				t.Fatalf("expected status %d, got %d", status, resp.Code)
			}
			if !strings.Contains(resp.Body.String(), `"success":false`) {
				t.Fatalf("expected failure body, got %s", resp.Body.String())
			}
		})
	}
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	svc := &stubService{outcome: successOutcome()}
	router := newTestRouter(svc, 0)

	resp := doUpload(t, router, "alice", "big.png", bytes.Repeat([]byte("a"), testMaxBytes+multipartOverhead+1), nil)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}

	resp = doUpload(t, router, "alice", "big.png", bytes.Repeat([]byte("a"), testMaxBytes+1), nil)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d for oversized file part, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if len(svc.uploads) != 0 {
		t.Fatal("oversized uploads must not reach the pipeline")
	}
}

func TestPredictRequiresFile(t *testing.T) {
	svc := &stubService{outcome: successOutcome()}
	router := newTestRouter(svc, 0)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	_ = writer.WriteField("note", "no file")
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "alice"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestPredictRequiresAuth(t *testing.T) {
	router := newTestRouter(&stubService{outcome: successOutcome()}, 0)
	req := httptest.NewRequest(http.MethodPost, "/predict", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestPredictRateLimitedPerOwner(t *testing.T) {
	svc := &stubService{outcome: successOutcome()}
	router := newTestRouter(svc, 1)

	if resp := doUpload(t, router, "alice", "a.png", []byte("x"), nil); resp.Code != http.StatusOK {
		t.Fatalf("expected first upload to pass, got %d", resp.Code)
	}
	if resp := doUpload(t, router, "alice", "a.png", []byte("x"), nil); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %d", http.StatusTooManyRequests, resp.Code)
	}
	if resp := doUpload(t, router, "bob", "a.png", []byte("x"), nil); resp.Code != http.StatusOK {
		t.Fatalf("expected other owner to pass, got %d", resp.Code)
	}
}

func TestHealthReportsModel(t *testing.T) {
	router := newTestRouter(&stubService{}, 0)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"model_loaded":true`) {
		t.Fatalf("unexpected health response %d: %s", resp.Code, resp.Body.String())
	}
}

func TestListPredictionsScopesToOwner(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, 0)

	resp := doRequest(t, router, http.MethodGet, "/predictions?limit=500")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	f := svc.listFilter
	if f.OwnerID != "alice" {
		t.Fatalf("unexpected filter: %+v", f)
	}
	if f.Limit != maxListLimit {
		t.Fatalf("expected limit capped at %d, got %d", maxListLimit, f.Limit)
	}
	if !strings.Contains(resp.Body.String(), `"predictions":[]`) {
		t.Fatalf("expected empty list, got %s", resp.Body.String())
	}
}

func TestListPredictionsRejectsBadQuery(t *testing.T) {
	router := newTestRouter(&stubService{}, 0)
	for _, query := range []string{"limit=-1", "limit=0", "limit=ten"} {
		if resp := doRequest(t, router, http.MethodGet, "/predictions?"+query); resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", query, http.StatusBadRequest, resp.Code)
		}
	}
}

func TestGetPredictionNotFound(t *testing.T) {
	router := newTestRouter(&stubService{getErr: repository.ErrNotFound}, 0)
	if resp := doRequest(t, router, http.MethodGet, "/predictions/missing"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestGetPredictionInternalErrorIsGeneric(t *testing.T) {
	router := newTestRouter(&stubService{getErr: errors.New("dial tcp 10.0.0.5:5432: refused")}, 0)
	resp := doRequest(t, router, http.MethodGet, "/predictions/x")
	if resp.Code != http.StatusInternalServerError || strings.Contains(resp.Body.String(), "10.0.0.5") {
		t.Fatalf("unexpected response %d: %s", resp.Code, resp.Body.String())
	}
}

func TestGetPredictionImage(t *testing.T) {
	svc := &stubService{
		record:   &repository.PredictionRecord{ID: "p1", Filename: "Normal_20240101_000000_alice.png"},
		artifact: "png-bytes",
	}
	resp := doRequest(t, newTestRouter(svc, 0), http.MethodGet, "/predictions/p1/image")
	if resp.Code != http.StatusOK || resp.Body.String() != "png-bytes" {
		t.Fatalf("unexpected response %d: %s", resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}

	svc.artifactErr = usecase.ErrArtifactMissing
	if resp := doRequest(t, newTestRouter(svc, 0), http.MethodGet, "/predictions/p1/image"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestDeletePrediction(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc, 0)

	if resp := doRequest(t, router, http.MethodDelete, "/predictions/p1"); resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if len(svc.deleted) != 1 || svc.deleted[0] != "alice/p1" {
		t.Fatalf("unexpected delete calls: %v", svc.deleted)
	}

	svc.deleteErr = repository.ErrNotFound
	if resp := doRequest(t, router, http.MethodDelete, "/predictions/p2"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestMetricsSummary(t *testing.T) {
	svc := &stubService{summary: &usecase.MetricsSummary{TotalPredictions: 4}}
	resp := doRequest(t, newTestRouter(svc, 0), http.MethodGet, "/metrics/summary")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"total_predictions":4`) {
		t.Fatalf("unexpected response %d: %s", resp.Code, resp.Body.String())
	}
}

func buildMultipartBody(t *testing.T, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", "application/octet-stream")

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
