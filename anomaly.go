package webguard

import (
	"math"
	"sync"
	"time"
)

const (
	baselineCapacity   = 100
	baselineMinSamples = 10
)

// AnomalyRecord is one flagged observation, kept in the detector's history.
type AnomalyRecord struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"stdDev"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// AnomalyDetector maintains a bounded rolling baseline per named metric and
// flags observations beyond three standard deviations of it.
type AnomalyDetector struct {
	mu         sync.Mutex
	baselines  map[string][]float64
	history    []AnomalyRecord
	maxHistory int
}

func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{
		baselines:  make(map[string][]float64),
		maxHistory: 1000,
	}
}

// UpdateBaseline appends value to the metric's ring buffer, evicting the
// oldest sample once the buffer holds baselineCapacity entries.
func (d *AnomalyDetector) UpdateBaseline(metric string, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	samples := append(d.baselines[metric], value)
	if len(samples) > baselineCapacity {
		samples = samples[len(samples)-baselineCapacity:]
	}
	d.baselines[metric] = samples
}

// DetectAnomaly reports whether value is an outlier against the metric's
// current baseline. Fewer than baselineMinSamples samples means no verdict.
// Outliers past mean+5σ are high severity, past mean+3σ medium; every
// flagged observation is appended to the history.
func (d *AnomalyDetector) DetectAnomaly(metric string, value float64) (bool, Severity) {
	d.mu.Lock()
	defer d.mu.Unlock()

	samples := d.baselines[metric]
	if len(samples) < baselineMinSamples {
		return false, ""
	}

	mean, stddev := populationStats(samples)
	if value <= mean+3*stddev {
		return false, ""
	}

	severity := SeverityMedium
	if value > mean+5*stddev {
		severity = SeverityHigh
	}
	d.history = append(d.history, AnomalyRecord{
		Metric:    metric,
		Value:     value,
		Mean:      mean,
		StdDev:    stddev,
		Severity:  severity,
		Timestamp: time.Now(),
	})
	if len(d.history) > d.maxHistory {
		d.history = d.history[len(d.history)-d.maxHistory:]
	}
	return true, severity
}

// History returns the anomalies recorded at or after since.
func (d *AnomalyDetector) History(since time.Time) []AnomalyRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []AnomalyRecord
	for _, rec := range d.history {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	return out
}

// BaselineSize returns how many samples the metric's buffer currently holds.
func (d *AnomalyDetector) BaselineSize(metric string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.baselines[metric])
}

// Recomputed from scratch on every call; the buffers are capped at 100
// entries so this stays cheap.
func populationStats(samples []float64) (mean, stddev float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	mean = sum / float64(len(samples))

	variance := 0.0
	for _, v := range samples {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(samples))
	return mean, math.Sqrt(variance)
}
