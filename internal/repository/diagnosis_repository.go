package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/irisdx/internal/logging"
)

// ErrNotFound is returned when no diagnosis matches the query.
var ErrNotFound = errors.New("diagnosis not found")

// DiagnosisRecord is one persisted prediction for an uploaded iris image.
type DiagnosisRecord struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID         string    `gorm:"column:user_id;size:64;index"`
	FileName       string    `gorm:"column:file_name;size:255"`
	ImagePath      string    `gorm:"column:image_path;size:512"`
	PredictedClass string    `gorm:"column:predicted_class;size:128;index"`
	Confidence     float64   `gorm:"column:confidence"`
	Distribution   string    `gorm:"column:distribution;type:text"`
	ModelPath      string    `gorm:"column:model_path;size:512"`
	SHA1Hash       string    `gorm:"column:sha1_hash;size:40;index"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (DiagnosisRecord) TableName() string {
	return "diagnoses"
}

// ClassCount is the number of diagnoses that predicted one class.
type ClassCount struct {
	PredictedClass string
	Count          int64
}

// Aggregation summarises a user's diagnoses.
type Aggregation struct {
	TotalCount        int64
	AverageConfidence float64
	ByClass           []ClassCount
}

// DiagnosisRepository stores diagnoses in postgres through gorm. Transient
// database errors are retried with exponential backoff.
type DiagnosisRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewDiagnosisRepository(db *gorm.DB, logger *zap.Logger) *DiagnosisRepository {
	return &DiagnosisRepository{
		db:             db,
		logger:         logger.Named("diagnosis_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *DiagnosisRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&DiagnosisRecord{})
	})
}

func (r *DiagnosisRepository) Save(ctx context.Context, rec *DiagnosisRecord) error {
	return r.executeWithRetry(ctx, "repository.save", rec.RequestID, func() error {
		return r.db.WithContext(ctx).Create(rec).Error
	})
}

// FindByRequestIDAndUser returns the diagnosis only to the user who created it.
func (r *DiagnosisRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*DiagnosisRecord, error) {
	var rec DiagnosisRecord
	err := r.executeWithRetry(ctx, "repository.find", requestID, func() error {
		err := r.db.WithContext(ctx).First(&rec, "request_id = ? AND user_id = ?", requestID, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByUser returns the user's diagnoses, newest first.
func (r *DiagnosisRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*DiagnosisRecord, error) {
	var recs []*DiagnosisRecord
	err := r.executeWithRetry(ctx, "repository.list", userID, func() error {
		recs = recs[:0]
		return r.db.WithContext(ctx).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Limit(limit).
			Offset(offset).
			Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *DiagnosisRepository) Aggregate(ctx context.Context, userID string) (*Aggregation, error) {
	agg := &Aggregation{}
	err := r.executeWithRetry(ctx, "repository.aggregate", userID, func() error {
		var totals struct {
			Count      int64
			Confidence float64
		}
		err := r.db.WithContext(ctx).Model(&DiagnosisRecord{}).
			Select("COUNT(*) AS count, COALESCE(AVG(confidence), 0) AS confidence").
			Where("user_id = ?", userID).
			Scan(&totals).Error
		if err != nil {
			return err
		}
		agg.TotalCount, agg.AverageConfidence = totals.Count, totals.Confidence

		agg.ByClass = agg.ByClass[:0]
		return r.db.WithContext(ctx).Model(&DiagnosisRecord{}).
			Select("predicted_class, COUNT(*) AS count").
			Where("user_id = ?", userID).
			Group("predicted_class").
			Order("predicted_class").
			Scan(&agg.ByClass).Error
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func (r *DiagnosisRepository) executeWithRetry(ctx context.Context, operation, subject string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, subject)
	var err error
	for attempt := 0; attempt < max(r.retryAttempts, 1); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, subject, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !isTransientError(err) {
			return logging.NewOperationError(operation, subject, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	opLogger.Error("database operation failed", zap.Error(err))
	return logging.NewOperationError(operation, subject, err)
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
	return errors.As(err, &temporary) && temporary.Temporary()
}
