/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getGaugeVecValue(gv *prometheus.GaugeVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordTestComplete(t *testing.T) {
	before := getCounterValue(TestsTotal, "passed")
	RecordTestComplete("passed", 120*time.Millisecond)

	if got := getCounterValue(TestsTotal, "passed"); got != before+1 {
		t.Errorf("TestsTotal = %f, want %f", got, before+1)
	}
	if count := getHistogramCount(TestDurationSeconds, "passed"); count < 1 {
		t.Errorf("TestDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordAttemptAndRetry(t *testing.T) {
	RecordAttempt("timeout")
	RecordAttempt("timeout")
	if val := getCounterValue(AttemptsTotal, "timeout"); val < 2 {
		t.Errorf("AttemptsTotal = %f, want >= 2", val)
	}

	m := &dto.Metric{}
	before := 0.0
	if err := RetriesTotal.Write(m); err == nil {
		before = m.GetCounter().GetValue()
	}
	RecordRetry()
	m = &dto.Metric{}
	if err := RetriesTotal.Write(m); err != nil {
		t.Fatal(err)
	}
	if m.GetCounter().GetValue() != before+1 {
		t.Errorf("RetriesTotal = %f, want %f", m.GetCounter().GetValue(), before+1)
	}
}

func TestFixtureGauges(t *testing.T) {
	FixturesLive.WithLabelValues("per-class").Set(0)

	RecordFixtureCreated("per-class")
	RecordFixtureCreated("per-class")
	RecordFixtureDisposed("per-class")

	if val := getGaugeVecValue(FixturesLive, "per-class"); val != 1 {
		t.Errorf("FixturesLive = %f, want 1", val)
	}

	RecordFixtureError("dispose")
	if val := getCounterValue(FixtureErrorsTotal, "dispose"); val < 1 {
		t.Errorf("FixtureErrorsTotal = %f, want >= 1", val)
	}
}

func TestActiveTests(t *testing.T) {
	ActiveTests.Set(0)

	ActiveTests.Inc()
	ActiveTests.Inc()
	if val := getGaugeValue(ActiveTests); val != 2 {
		t.Errorf("ActiveTests = %f, want 2", val)
	}

	ActiveTests.Dec()
	if val := getGaugeValue(ActiveTests); val != 1 {
		t.Errorf("ActiveTests after Dec = %f, want 1", val)
	}
}

func TestStateLabelIsolation(t *testing.T) {
	RecordRunComplete("passed", 2*time.Second)
	RecordTestComplete("failed", time.Second)

	if getCounterValue(RunsTotal, "passed") < 1 {
		t.Error("runs passed should be >= 1")
	}
	if getCounterValue(TestsTotal, "not_run_isolated") != 0 {
		t.Error("unused label should be zero")
	}
}

func TestRegistryGathers(t *testing.T) {
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "tandem_active_tests" {
			found = true
		}
	}
	if !found {
		t.Error("tandem_active_tests not registered")
	}
}
