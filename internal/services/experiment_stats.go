package services

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
)

const (
	MetricErrorRate       = "errorRate"
	MetricAvgResponseTime = "avgResponseTime"

	significanceLevel = 0.05
	minSamplesPerArm  = 2
)

var ErrUnknownMetric = errors.New("metric must be errorRate or avgResponseTime")

// SignificanceResult compares one variant against the control arm over the
// per-window values of a metric.
type SignificanceResult struct {
	Variant          string  `json:"variant"`
	Control          string  `json:"control"`
	Metric           string  `json:"metric"`
	ControlMean      float64 `json:"controlMean"`
	VariantMean      float64 `json:"variantMean"`
	ControlSamples   int     `json:"controlSamples"`
	VariantSamples   int     `json:"variantSamples"`
	TStatistic       float64 `json:"tStatistic"`
	PValue           float64 `json:"pValue"`
	Significant      bool    `json:"significant"`
	InsufficientData bool    `json:"insufficientData,omitempty"`
}

// ExperimentSignificance runs a Welch t-test of each variant of key against
// control, one sample per aggregation window. The p-value uses the normal
// approximation, which is fine at the window counts a day produces.
func (d *DeploymentMetrics) ExperimentSignificance(ctx context.Context, key, control, metric string, start, end time.Time) ([]SignificanceResult, error) {
	if metric != MetricErrorRate && metric != MetricAvgResponseTime {
		return nil, ErrUnknownMetric
	}
	windows, err := d.history.Range(ctx, start, end)
	if err != nil {
		return nil, err
	}

	prefix := key + ":"
	samples := map[string]stats.Float64Data{}
	for _, w := range windows {
		for tag, g := range w.ByExperimentVariant {
			if !strings.HasPrefix(tag, prefix) || g.Count == 0 {
				continue
			}
			variant := strings.TrimPrefix(tag, prefix)
			v := g.ErrorRate
			if metric == MetricAvgResponseTime {
				v = g.AvgResponseTime
			}
			samples[variant] = append(samples[variant], v)
		}
	}

	variants := make([]string, 0, len(samples))
	for v := range samples {
		if v != control {
			variants = append(variants, v)
		}
	}
	sort.Strings(variants)

	base := samples[control]
	results := make([]SignificanceResult, 0, len(variants))
	for _, v := range variants {
		results = append(results, welch(control, v, metric, base, samples[v]))
	}
	return results, nil
}

func welch(control, variant, metric string, a, b stats.Float64Data) SignificanceResult {
	res := SignificanceResult{
		Variant:        variant,
		Control:        control,
		Metric:         metric,
		ControlSamples: len(a),
		VariantSamples: len(b),
		PValue:         1,
	}
	res.ControlMean, _ = stats.Mean(a)
	res.VariantMean, _ = stats.Mean(b)
	if len(a) < minSamplesPerArm || len(b) < minSamplesPerArm {
		res.InsufficientData = true
		return res
	}

	varA, _ := stats.SampleVariance(a)
	varB, _ := stats.SampleVariance(b)
	se := math.Sqrt(varA/float64(len(a)) + varB/float64(len(b)))
	if se == 0 {
		// zero variance in both arms: any difference is exact, and the
		// statistic is left at 0 since JSON cannot carry +Inf
		if res.ControlMean != res.VariantMean {
			res.PValue = 0
			res.Significant = true
		}
		return res
	}

	res.TStatistic = (res.VariantMean - res.ControlMean) / se
	res.PValue = 2 * (1 - stats.NormCdf(math.Abs(res.TStatistic), 0, 1))
	res.Significant = res.PValue < significanceLevel
	return res
}
