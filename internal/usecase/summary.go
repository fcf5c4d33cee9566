package usecase

import "context"

// Summary aggregates a user's diagnoses.
type Summary struct {
	TotalDiagnoses    int64              `json:"total_diagnoses"`
	AverageConfidence float64            `json:"average_confidence"`
	ByClass           map[string]int64   `json:"by_class"`
	ClassShare        map[string]float64 `json:"class_share"`
}

// GetSummary counts the user's diagnoses per predicted class.
func (uc *DiagnosisUseCase) GetSummary(ctx context.Context, userID string) (*Summary, error) {
	agg, err := uc.repo.Aggregate(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TotalDiagnoses:    agg.TotalCount,
		AverageConfidence: agg.AverageConfidence,
		ByClass:           make(map[string]int64, len(agg.ByClass)),
		ClassShare:        make(map[string]float64, len(agg.ByClass)),
	}
	for _, c := range agg.ByClass {
		summary.ByClass[c.PredictedClass] = c.Count
		if agg.TotalCount > 0 {
			summary.ClassShare[c.PredictedClass] = float64(c.Count) / float64(agg.TotalCount)
		}
	}
	return summary, nil
}
