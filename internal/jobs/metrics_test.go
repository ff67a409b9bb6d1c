package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// gathered flattens a registry into "name{label=value,...}" -> value.
func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			for _, label := range metric.GetLabel() {
				key += "," + label.GetName() + "=" + label.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("ledger:integrity").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("ledger:integrity").End(boom), boom)

	values := gathered(t, reg)
	require.Equal(t, 1.0, values["vsla_jobs_total,job=ledger:integrity,status=success"])
	require.Equal(t, 1.0, values["vsla_jobs_total,job=ledger:integrity,status=failure"])
	require.Equal(t, 1.0, values["vsla_jobs_failures_total,job=ledger:integrity"])
	require.Equal(t, 2.0, values["vsla_job_duration_seconds,job=ledger:integrity"])
	require.Positive(t, values["vsla_job_last_success_timestamp_seconds,job=ledger:integrity"])
}

func TestIntegrityFindingsOverwrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SetIntegrityFindings("unpaired_entries", 3)
	m.SetIntegrityFindings("unpaired_entries", 1)
	require.Equal(t, 1.0, gathered(t, reg)["vsla_ledger_integrity_findings,kind=unpaired_entries"])

	var nilMetrics *Metrics
	nilMetrics.SetIntegrityFindings("loan_balance_drift", 2)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
