package usecase

import (
	"context"

	"github.com/example/brightstart/internal/prediction"
)

// LabelMetrics is the per-label slice of a summary.
type LabelMetrics struct {
	Count             int64   `json:"count"`
	Share             float64 `json:"share"`
	AverageConfidence float64 `json:"average_confidence"`
}

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalPredictions  int64                   `json:"total_predictions"`
	AverageConfidence float64                 `json:"average_confidence"`
	MissingArtifacts  int64                   `json:"missing_artifacts"`
	Labels            map[string]LabelMetrics `json:"labels"`
}

// GetMetricsSummary aggregates prediction metrics for ownerID, or for all
// owners when ownerID is empty.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context, ownerID string) (*MetricsSummary, error) {
	rows, err := uc.repo.AggregateByLabel(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{Labels: make(map[string]LabelMetrics, len(rows))}
	for _, label := range prediction.Labels() {
		summary.Labels[string(label)] = LabelMetrics{}
	}

	var weighted float64
	for _, row := range rows {
		summary.TotalPredictions += row.Count
		summary.MissingArtifacts += row.MissingArtifacts
		weighted += row.AverageConfidence * float64(row.Count)

		// rows written by older clients may differ in case
		key := row.Label
		if label, ok := prediction.ParseLabel(row.Label); ok {
			key = string(label)
		}
		m := summary.Labels[key]
		if total := m.Count + row.Count; total > 0 {
			m.AverageConfidence = (m.AverageConfidence*float64(m.Count) + row.AverageConfidence*float64(row.Count)) / float64(total)
		}
		m.Count += row.Count
		summary.Labels[key] = m
	}

	if summary.TotalPredictions > 0 {
		summary.AverageConfidence = weighted / float64(summary.TotalPredictions)
		for label, m := range summary.Labels {
			m.Share = float64(m.Count) / float64(summary.TotalPredictions)
			summary.Labels[label] = m
		}
	}

	return summary, nil
}
