package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/irisdx/internal/inference"
	"github.com/example/irisdx/internal/logging"
	"github.com/example/irisdx/internal/repository"
)

type stubRepository struct {
	saved     []*repository.DiagnosisRecord
	saveErr   error
	findRec   *repository.DiagnosisRecord
	findErr   error
	findCalls int
	agg       *repository.Aggregation
}

func (s *stubRepository) Save(ctx context.Context, rec *repository.DiagnosisRecord) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, rec)
	return nil
}

func (s *stubRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.DiagnosisRecord, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findRec != nil && s.findRec.UserID == userID {
		return s.findRec, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*repository.DiagnosisRecord, error) {
	var out []*repository.DiagnosisRecord
	for _, rec := range s.saved {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *stubRepository) Aggregate(ctx context.Context, userID string) (*repository.Aggregation, error) {
	return s.agg, nil
}

type stubCache struct {
	values  map[string]string
	setErrs []error
	getErrs []error
	setKeys []string
	getKeys []string
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		return "", err
	}
	v, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

type stubPredictor struct {
	pred  *inference.Prediction
	err   error
	calls int
}

func (s *stubPredictor) PredictBytes([]byte) (*inference.Prediction, error) {
	s.calls++
	return s.pred, s.err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

var samplePrediction = &inference.Prediction{
	Class:        "inflamed",
	Confidence:   0.8,
	Distribution: map[string]float64{"healthy": 0.2, "inflamed": 0.8},
	ModelPath:    "models/iris_model_final_1/saved_model",
}

func newTestUseCase(t *testing.T, repo *stubRepository, cache *stubCache, pred *stubPredictor) *DiagnosisUseCase {
	t.Helper()
	uc := NewDiagnosisUseCase(repo, cache, pred, t.TempDir(), zap.NewNop())
	uc.initialBackoff = time.Millisecond
	return uc
}

func TestDiagnoseRetriesRedisSet(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{transientRedisError{}}
	repo := &stubRepository{}
	pred := &stubPredictor{pred: samplePrediction}
	uc := newTestUseCase(t, repo, cache, pred)

	d, err := uc.Diagnose(context.Background(), "user-1", "eye.JPG", []byte("image"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if d.PredictedClass != "inflamed" || d.CachedResult {
		t.Fatalf("unexpected diagnosis %+v", d)
	}
	if len(cache.setKeys) < 3 {
		t.Fatalf("expected at least 3 cache set calls (retry + prediction + diagnosis), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected diagnosis to be saved, got %d entries", len(repo.saved))
	}

	rec := repo.saved[0]
	sum := sha1.Sum([]byte("image"))
	if rec.SHA1Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected hash %s", rec.SHA1Hash)
	}
	stored, err := os.ReadFile(rec.ImagePath)
	if err != nil || string(stored) != "image" {
		t.Fatalf("upload not stored at %s: %v", rec.ImagePath, err)
	}
	if _, ok := cache.values[diagnosisKey(d.RequestID)]; !ok {
		t.Fatal("diagnosis not cached by request id")
	}
}

func TestDiagnoseReusesCachedPrediction(t *testing.T) {
	cache := newStubCache()
	sum := sha1.Sum([]byte("image"))
	data, _ := json.Marshal(samplePrediction)
	cache.values[predictionKey(hex.EncodeToString(sum[:]))] = string(data)
	pred := &stubPredictor{err: errors.New("must not be called")}
	uc := newTestUseCase(t, &stubRepository{}, cache, pred)

	d, err := uc.Diagnose(context.Background(), "user-1", "eye.png", []byte("image"))
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if pred.calls != 0 || !d.CachedResult {
		t.Fatalf("prediction not reused: calls=%d cached=%v", pred.calls, d.CachedResult)
	}
}

func TestDiagnoseReturnsOperationErrorWhenModelMissing(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, newStubCache(), &stubPredictor{err: inference.ErrNotReady})

	_, err := uc.Diagnose(context.Background(), "user-1", "eye.png", []byte("image"))
	if !errors.Is(err, inference.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.predict" {
		t.Fatalf("expected usecase.predict operation error, got %v", err)
	}
	if len(repo.saved) != 0 {
		t.Fatal("failed diagnosis must not be saved")
	}
}

func TestDiagnoseSurvivesCacheOutage(t *testing.T) {
	cache := newStubCache()
	cache.getErrs = []error{errors.New("connection refused")}
	cache.setErrs = []error{errors.New("down"), errors.New("down")}
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, cache, &stubPredictor{pred: samplePrediction})

	if _, err := uc.Diagnose(context.Background(), "user-1", "eye.png", []byte("image")); err != nil {
		t.Fatalf("cache errors must not fail the diagnosis: %v", err)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected 1 saved diagnosis, got %d", len(repo.saved))
	}
}

func TestGetDiagnosisFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	rec := &repository.DiagnosisRecord{RequestID: "req", UserID: "user", PredictedClass: "healthy", Distribution: `{"healthy":1}`}
	repo := &stubRepository{findRec: rec}
	uc := newTestUseCase(t, repo, newStubCache(), &stubPredictor{})

	d, err := uc.GetDiagnosis(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if d.PredictedClass != "healthy" || d.Distribution["healthy"] != 1 {
		t.Fatalf("unexpected diagnosis %+v", d)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetDiagnosisDoesNotLeakOtherUsersCache(t *testing.T) {
	cache := newStubCache()
	data, _ := json.Marshal(Diagnosis{RequestID: "req", UserID: "owner"})
	cache.values[diagnosisKey("req")] = string(data)
	repo := &stubRepository{}
	uc := newTestUseCase(t, repo, cache, &stubPredictor{})

	if _, err := uc.GetDiagnosis(context.Background(), "intruder", "req"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	d, err := uc.GetDiagnosis(context.Background(), "owner", "req")
	if err != nil || d.UserID != "owner" {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected one repository lookup, got %d", repo.findCalls)
	}
}

func TestGetSummary(t *testing.T) {
	repo := &stubRepository{agg: &repository.Aggregation{
		TotalCount:        4,
		AverageConfidence: 0.7,
		ByClass: []repository.ClassCount{
			{PredictedClass: "healthy", Count: 3},
			{PredictedClass: "inflamed", Count: 1},
		},
	}}
	uc := newTestUseCase(t, repo, newStubCache(), &stubPredictor{})

	s, err := uc.GetSummary(context.Background(), "user")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if s.TotalDiagnoses != 4 || s.ByClass["healthy"] != 3 || s.ClassShare["inflamed"] != 0.25 {
		t.Fatalf("unexpected summary %+v", s)
	}
}
