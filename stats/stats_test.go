package stats_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/pvaccess-go/pva/stats"
)

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := stats.New(reg)

	s.FramesSent.Add(3)
	s.InvalidDataStreams.Inc()

	var m dto.Metric
	if err := s.FramesSent.Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.GetCounter().GetValue() != 3 {
		t.Fatalf("FramesSent=%v, want 3", m.GetCounter().GetValue())
	}
}

func TestGaugeSetAndGet(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := stats.New(reg)
	s.OperationsActive.Set(5)
	s.OperationsActive.Dec()

	var m dto.Metric
	if err := s.OperationsActive.Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.GetGauge().GetValue() != 4 {
		t.Fatalf("OperationsActive=%v, want 4", m.GetGauge().GetValue())
	}
}
