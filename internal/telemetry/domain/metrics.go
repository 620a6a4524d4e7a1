package domain

import "time"

// Latency thresholds that lower a high performance rating.
const (
	slowStepThreshold     = 30 * time.Second
	verySlowStepThreshold = 2 * time.Minute
)

// Metrics is a derived, read-only summary of a session's steps.
type Metrics struct {
	TotalSteps          int           `json:"total_steps"`
	SuccessfulSteps     int           `json:"successful_steps"`
	FailedSteps         int           `json:"failed_steps"`
	TotalDuration       time.Duration `json:"total_duration"`
	AverageStepDuration time.Duration `json:"average_step_duration"`
	SuccessRate         float64       `json:"success_rate"`
	PerformanceRating   int           `json:"performance_rating"`
}

// ComputeMetrics summarises steps. TotalDuration runs from the earliest start to the latest
// completion; the average covers only steps that have a completion time.
func ComputeMetrics(steps []Step) Metrics {
	m := Metrics{TotalSteps: len(steps)}
	if len(steps) == 0 {
		m.PerformanceRating = PerformanceRating(0, 0)
		return m
	}

	var (
		earliest, latest time.Time
		sum              time.Duration
		timed            int
	)
	for i := range steps {
		s := &steps[i]
		switch s.Status {
		case StepCompleted:
			m.SuccessfulSteps++
		case StepFailed:
			m.FailedSteps++
		}
		if earliest.IsZero() || s.StartedAt.Before(earliest) {
			earliest = s.StartedAt
		}
		if s.CompletedAt != nil {
			sum += s.Duration()
			timed++
			if s.CompletedAt.After(latest) {
				latest = *s.CompletedAt
			}
		}
	}
	if !latest.IsZero() && latest.After(earliest) {
		m.TotalDuration = latest.Sub(earliest)
	}
	if timed > 0 {
		m.AverageStepDuration = sum / time.Duration(timed)
	}
	m.SuccessRate = float64(m.SuccessfulSteps) / float64(m.TotalSteps)
	m.PerformanceRating = PerformanceRating(m.SuccessRate, m.AverageStepDuration)
	return m
}

// PerformanceRating maps a success rate and average step latency to 1..5. The success-rate
// tier is lowered by one when the average exceeds 30s and by another when it exceeds 2m,
// only for tiers of 4 and above, never below 1.
func PerformanceRating(successRate float64, avg time.Duration) int {
	var rating int
	switch {
	case successRate >= 0.95:
		rating = 5
	case successRate >= 0.85:
		rating = 4
	case successRate >= 0.70:
		rating = 3
	case successRate >= 0.50:
		rating = 2
	default:
		rating = 1
	}
	if rating >= 4 {
		if avg > slowStepThreshold {
			rating--
		}
		if avg > verySlowStepThreshold {
			rating--
		}
	}
	return max(rating, 1)
}
