package temporal

import (
	"math"
	"sort"
)

const (
	minTrendSample   = 5
	trendWindow      = 10
	minAnomalySample = 4
	anomalyFactor    = 3.0
)

// Trend directions.
const (
	TrendGrowth  = "growth"
	TrendDecline = "decline"
)

// Predicted states.
const (
	StateExpansion   = "expansion"
	StateContraction = "contraction"
)

// Trend summarizes the most recent entries of a timeline.
type Trend struct {
	Trend        string   `json:"trend"`
	SuccessRatio float64  `json:"success_ratio"`
	ErrorRatio   float64  `json:"error_ratio"`
	Sample       int      `json:"sample"`
	Repetitions  []string `json:"repetitions"`
}

// Prediction is derived from a Trend.
type Prediction struct {
	State      string   `json:"state"`
	Confidence float64  `json:"confidence"`
	Trend      string   `json:"trend"`
	Recurring  []string `json:"recurring,omitempty"`
}

// Anomaly describes an inter-arrival gap that is out of line with its
// neighbours. Ratio is GapMs over BaselineMs, zero when the baseline is zero.
type Anomaly struct {
	Event      string  `json:"event"`
	GapMs      int64   `json:"gap_ms"`
	BaselineMs float64 `json:"baseline_ms"`
	Ratio      float64 `json:"ratio"`
	GapsMs     []int64 `json:"gaps_ms"`
}

// ComputeTrend looks at the last ten entries. Growth when the share of
// success statuses is at least the share of error statuses. Returns nil with
// fewer than five entries.
func ComputeTrend(entries []Entry) *Trend {
	if len(entries) < minTrendSample {
		return nil
	}
	window := entries
	if len(window) > trendWindow {
		window = window[len(window)-trendWindow:]
	}

	var success, failure int
	names := make(map[string]int, len(window))
	for _, e := range window {
		switch statusOf(e.Payload) {
		case "success", "ok":
			success++
		case "error", "failure", "failed":
			failure++
		}
		names[e.Name]++
	}

	n := float64(len(window))
	t := &Trend{
		SuccessRatio: float64(success) / n,
		ErrorRatio:   float64(failure) / n,
		Sample:       len(window),
		Repetitions:  []string{},
	}
	if t.SuccessRatio >= t.ErrorRatio {
		t.Trend = TrendGrowth
	} else {
		t.Trend = TrendDecline
	}
	for name, c := range names {
		if c >= 2 {
			t.Repetitions = append(t.Repetitions, name)
		}
	}
	sort.Strings(t.Repetitions)
	return t
}

// PredictFutureState maps a trend onto an expected state. Nil when there is
// no trend.
func PredictFutureState(entries []Entry) *Prediction {
	t := ComputeTrend(entries)
	if t == nil {
		return nil
	}
	p := &Prediction{
		Trend:      t.Trend,
		Confidence: 0.5 + math.Abs(t.SuccessRatio-t.ErrorRatio)/2,
		Recurring:  t.Repetitions,
	}
	if t.Trend == TrendGrowth {
		p.State = StateExpansion
	} else {
		p.State = StateContraction
	}
	return p
}

// DetectAnomaly checks the inter-arrival gaps of the last four entries. A gap
// is anomalous when it exceeds three times the mean of the other gaps. The
// largest anomalous gap is reported; nil when nothing stands out.
func DetectAnomaly(entries []Entry) *Anomaly {
	if len(entries) < minAnomalySample {
		return nil
	}
	last := entries[len(entries)-minAnomalySample:]
	gaps := make([]int64, len(last)-1)
	var total int64
	for i := 1; i < len(last); i++ {
		gaps[i-1] = last[i].Timestamp.Sub(last[i-1].Timestamp).Milliseconds()
		total += gaps[i-1]
	}

	var found *Anomaly
	for i, g := range gaps {
		baseline := float64(total-g) / float64(len(gaps)-1)
		if float64(g) <= anomalyFactor*baseline {
			continue
		}
		if found != nil && g <= found.GapMs {
			continue
		}
		ratio := 0.0
		if baseline > 0 {
			ratio = float64(g) / baseline
		}
		found = &Anomaly{
			Event:      last[i+1].Name,
			GapMs:      g,
			BaselineMs: baseline,
			Ratio:      ratio,
		}
	}
	if found != nil {
		found.GapsMs = gaps
	}
	return found
}

// statusOf extracts a status tag from the common payload shapes.
func statusOf(payload any) string {
	switch p := payload.(type) {
	case map[string]any:
		if s, ok := p["status"].(string); ok {
			return s
		}
	case map[string]string:
		return p["status"]
	case interface{ Status() string }:
		return p.Status()
	}
	return ""
}
