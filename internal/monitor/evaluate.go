package monitor

import (
	"math"
	"sort"

	"github.com/t77yq/hookwatch/internal/model"
)

// webhookStats aggregates the attempts of one webhook in the check window
type webhookStats struct {
	Name          string
	Total         int
	Failed        int
	DurationSum   int64
	DurationCount int
}

// FailureRate returns the unrounded failure percentage
func (s webhookStats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed*100) / float64(s.Total)
}

// AvgDuration returns the mean duration over attempts that reported one
func (s webhookStats) AvgDuration() (float64, bool) {
	if s.DurationCount == 0 {
		return 0, false
	}
	return float64(s.DurationSum) / float64(s.DurationCount), true
}

// groupByWebhook aggregates attempts per webhook name, ordered by name
func groupByWebhook(attempts []model.WebhookAttempt) []webhookStats {
	byName := make(map[string]*webhookStats)
	for _, a := range attempts {
		s, ok := byName[a.WebhookName]
		if !ok {
			s = &webhookStats{Name: a.WebhookName}
			byName[a.WebhookName] = s
		}
		s.Total++
		if a.Status.IsFailure() {
			s.Failed++
		}
		if a.DurationMS != nil {
			s.DurationSum += *a.DurationMS
			s.DurationCount++
		}
	}

	stats := make([]webhookStats, 0, len(byName))
	for _, s := range byName {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// evaluateAttempts applies the failure-rate and response-time thresholds of
// cfg to each webhook seen in the window. Both comparisons are inclusive.
func evaluateAttempts(cfg *model.AlertConfig, attempts []model.WebhookAttempt) []model.Alert {
	var alerts []model.Alert
	for _, s := range groupByWebhook(attempts) {
		if rate := s.FailureRate(); s.Total >= cfg.MinCallsRequired && rate >= cfg.FailureRateThreshold {
			alerts = append(alerts, model.Alert{
				WebhookName: s.Name,
				Details: model.HighFailureRateDetails{
					FailureRate: math.Round(rate*10) / 10,
					TotalCalls:  s.Total,
					FailedCalls: s.Failed,
					Threshold:   cfg.FailureRateThreshold,
					WindowHours: cfg.CheckWindowHours,
				},
			})
		}

		if avg, ok := s.AvgDuration(); ok && avg >= cfg.ResponseTimeThreshold {
			alerts = append(alerts, model.Alert{
				WebhookName: s.Name,
				Details: model.SlowResponseTimeDetails{
					AvgResponseTime: int64(math.Round(avg)),
					Threshold:       cfg.ResponseTimeThreshold,
					CallsAnalyzed:   s.DurationCount,
					WindowHours:     cfg.CheckWindowHours,
				},
			})
		}
	}
	return alerts
}

// abandonedAlerts produces one alert per abandoned retry entry
func abandonedAlerts(entries []model.RetryQueueEntry) []model.Alert {
	alerts := make([]model.Alert, 0, len(entries))
	for _, e := range entries {
		var lastError string
		if e.LastError != nil {
			lastError = *e.LastError
		}
		alerts = append(alerts, model.Alert{
			WebhookName: e.WebhookName,
			Details: model.AbandonedWebhookDetails{
				WebhookURL:  e.URL,
				RetryCount:  e.RetryCount,
				LastError:   lastError,
				AbandonedAt: e.UpdatedAt,
			},
		})
	}
	return alerts
}
