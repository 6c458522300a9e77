// Package measure records per-operation latencies of a benchmark run.
package measure

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Measurements holds one latency histogram per (operation, status) pair.
type Measurements struct {
	reg     *prometheus.Registry
	latency *prometheus.HistogramVec
}

func New() *Measurements {
	m := &Measurements{
		reg: prometheus.NewRegistry(),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kvadapter",
			Name:      "op_latency_seconds",
			Help:      "Latency of adapter operations.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 2, 28),
		}, []string{"op", "status"}),
	}
	m.reg.MustRegister(m.latency)
	return m
}

// Observe records one operation that started at begin.
func (m *Measurements) Observe(op, status string, begin time.Time) {
	m.latency.WithLabelValues(op, status).Observe(time.Since(begin).Seconds())
}

// Summary is the digest of one histogram.
type Summary struct {
	Op     string
	Status string
	Count  uint64
	Mean   time.Duration
	P99    time.Duration
}

// Summaries returns a digest per (operation, status), sorted.
func (m *Measurements) Summaries() ([]Summary, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var out []Summary
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			h := metric.GetHistogram()
			if h == nil || h.GetSampleCount() == 0 {
				continue
			}
			s := Summary{
				Count: h.GetSampleCount(),
				Mean:  seconds(h.GetSampleSum() / float64(h.GetSampleCount())),
				P99:   seconds(quantile(0.99, h)),
			}
			for _, lp := range metric.GetLabel() {
				switch lp.GetName() {
				case "op":
					s.Op = lp.GetValue()
				case "status":
					s.Status = lp.GetValue()
				}
			}
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Op != out[j].Op {
			return out[i].Op < out[j].Op
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// Report writes one line per summary.
func (m *Measurements) Report(w io.Writer) error {
	sums, err := m.Summaries()
	if err != nil {
		return err
	}
	for _, s := range sums {
		_, err := fmt.Fprintf(w, "%-8s %-10s count=%d avg=%s p99<=%s\n",
			s.Op, s.Status, s.Count, s.Mean, s.P99)
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// quantile returns the upper bound of the bucket holding the q-quantile.
func quantile(q float64, h *dto.Histogram) float64 {
	rank := uint64(math.Ceil(q * float64(h.GetSampleCount())))
	for _, b := range h.GetBucket() {
		if b.GetCumulativeCount() >= rank {
			return b.GetUpperBound()
		}
	}
	return math.Inf(1)
}

func seconds(s float64) time.Duration {
	if math.IsInf(s, 1) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s * float64(time.Second))
}
