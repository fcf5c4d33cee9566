package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/irisdx/internal/inference"
	"github.com/example/irisdx/internal/logging"
	"github.com/example/irisdx/internal/repository"
)

// DiagnosisRepository defines the persistence operations needed by the use case.
type DiagnosisRepository interface {
	Save(ctx context.Context, rec *repository.DiagnosisRecord) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.DiagnosisRecord, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*repository.DiagnosisRecord, error)
	Aggregate(ctx context.Context, userID string) (*repository.Aggregation, error)
}

// Predictor classifies one encoded image.
type Predictor interface {
	PredictBytes(data []byte) (*inference.Prediction, error)
}

// Diagnosis is the API view of a stored prediction.
type Diagnosis struct {
	RequestID      string             `json:"request_id"`
	UserID         string             `json:"user_id"`
	FileName       string             `json:"file_name"`
	PredictedClass string             `json:"predicted_class"`
	Confidence     float64            `json:"confidence"`
	Distribution   map[string]float64 `json:"distribution"`
	ModelPath      string             `json:"model_path"`
	Hash           string             `json:"sha1_hash"`
	CachedResult   bool               `json:"cached_result"`
	CreatedAt      time.Time          `json:"created_at"`
}

// DiagnosisUseCase runs uploads through the model and keeps the history.
type DiagnosisUseCase struct {
	repo           DiagnosisRepository
	cache          Cache
	predictor      Predictor
	uploadsDir     string
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

func NewDiagnosisUseCase(repo DiagnosisRepository, cache Cache, predictor Predictor, uploadsDir string, logger *zap.Logger) *DiagnosisUseCase {
	return &DiagnosisUseCase{
		repo:           repo,
		cache:          cache,
		predictor:      predictor,
		uploadsDir:     uploadsDir,
		logger:         logger.Named("diagnosis_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
	}
}

// Diagnose predicts the uploaded image, stores it with its result and
// caches the diagnosis. Identical images reuse a cached prediction.
func (uc *DiagnosisUseCase) Diagnose(ctx context.Context, userID, fileName string, image []byte) (*Diagnosis, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.diagnose", requestID)

	sum := sha1.Sum(image)
	hash := hex.EncodeToString(sum[:])

	pred, cached := uc.cachedPrediction(ctx, requestID, hash)
	if pred == nil {
		var err error
		pred, err = uc.predictor.PredictBytes(image)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.predict", requestID, err)
			opLogger.Warn("prediction failed", zap.Error(wrapped))
			return nil, wrapped
		}
		if data, err := json.Marshal(pred); err == nil {
			if err := uc.withRedisRetry(ctx, requestID, "cache.set.prediction", func() error {
				return uc.cache.Set(ctx, predictionKey(hash), string(data), ResultTTL)
			}); err != nil {
				opLogger.Warn("failed to cache prediction", zap.Error(err))
			}
		}
	}

	imagePath, err := uc.storeUpload(requestID, fileName, image)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.store_upload", requestID, err)
		opLogger.Error("failed to store upload", zap.Error(wrapped))
		return nil, wrapped
	}

	distribution, err := json.Marshal(pred.Distribution)
	if err != nil {
		return nil, err
	}
	rec := &repository.DiagnosisRecord{
		RequestID:      requestID,
		UserID:         userID,
		FileName:       fileName,
		ImagePath:      imagePath,
		PredictedClass: pred.Class,
		Confidence:     pred.Confidence,
		Distribution:   string(distribution),
		ModelPath:      pred.ModelPath,
		SHA1Hash:       hash,
		CreatedAt:      uc.now().UTC(),
	}
	if err := uc.repo.Save(ctx, rec); err != nil {
		opLogger.Error("failed to persist diagnosis", zap.Error(err))
		return nil, err
	}

	d := toDiagnosis(rec, pred.Distribution)
	d.CachedResult = cached
	serialized, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.diagnosis", func() error {
		return uc.cache.Set(ctx, diagnosisKey(requestID), string(serialized), ResultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache diagnosis", zap.Error(err))
	}

	opLogger.Info("diagnosis stored",
		zap.String("class", d.PredictedClass),
		zap.Float64("confidence", d.Confidence),
		zap.Bool("cached_prediction", cached),
	)
	return d, nil
}

func (uc *DiagnosisUseCase) cachedPrediction(ctx context.Context, requestID, hash string) (*inference.Prediction, bool) {
	value, err := uc.withRedisGet(ctx, requestID, "cache.get.prediction", predictionKey(hash))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "cache.get.prediction", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}
	var pred inference.Prediction
	if err := json.Unmarshal([]byte(value), &pred); err != nil {
		logging.WithOperation(uc.logger, "cache.get.prediction", requestID).Warn("failed to decode cached prediction", zap.Error(err))
		return nil, false
	}
	return &pred, true
}

func (uc *DiagnosisUseCase) storeUpload(requestID, fileName string, image []byte) (string, error) {
	if err := os.MkdirAll(uc.uploadsDir, 0o755); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		ext = ".img"
	}
	path := filepath.Join(uc.uploadsDir, requestID+ext)
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// GetDiagnosis returns the user's diagnosis from the cache or the database.
func (uc *DiagnosisUseCase) GetDiagnosis(ctx context.Context, userID, requestID string) (*Diagnosis, error) {
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.diagnosis", diagnosisKey(requestID)); err == nil {
		var d Diagnosis
		if err := json.Unmarshal([]byte(cached), &d); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_diagnosis", requestID).Warn("failed to decode cached diagnosis", zap.Error(err))
		} else if d.UserID == userID {
			return &d, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_diagnosis", requestID).Warn("failed to read cache", zap.Error(err))
	}

	rec, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	return recordToDiagnosis(rec)
}

// ListDiagnoses pages through the user's history, newest first.
func (uc *DiagnosisUseCase) ListDiagnoses(ctx context.Context, userID string, limit, offset int) ([]*Diagnosis, error) {
	recs, err := uc.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*Diagnosis, 0, len(recs))
	for _, rec := range recs {
		d, err := recordToDiagnosis(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func recordToDiagnosis(rec *repository.DiagnosisRecord) (*Diagnosis, error) {
	var dist map[string]float64
	if rec.Distribution != "" {
		if err := json.Unmarshal([]byte(rec.Distribution), &dist); err != nil {
			return nil, fmt.Errorf("diagnosis %s: decode distribution: %w", rec.RequestID, err)
		}
	}
	return toDiagnosis(rec, dist), nil
}

func toDiagnosis(rec *repository.DiagnosisRecord, dist map[string]float64) *Diagnosis {
	return &Diagnosis{
		RequestID:      rec.RequestID,
		UserID:         rec.UserID,
		FileName:       rec.FileName,
		PredictedClass: rec.PredictedClass,
		Confidence:     rec.Confidence,
		Distribution:   dist,
		ModelPath:      rec.ModelPath,
		Hash:           rec.SHA1Hash,
		CreatedAt:      rec.CreatedAt,
	}
}

func (uc *DiagnosisUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *DiagnosisUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
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
