package monitor_test

import (
	"testing"

	"github.com/pvaccess-go/pva/monitor"
	"github.com/pvaccess-go/pva/pvdata"
)

func scalarField() *pvdata.Field {
	return pvdata.NewStruct("epics:nt/NTScalar:1.0", pvdata.NewScalar("value", pvdata.TypeDouble))
}

func TestNewPipelineRejectsTooSmallQueueSize(t *testing.T) {
	if _, err := monitor.NewPipeline(1); err == nil {
		t.Fatal("expected error for queueSize below MinQueueSize")
	}
	if _, err := monitor.NewPipeline(monitor.MinQueueSize); err != nil {
		t.Fatalf("queueSize at minimum should be accepted: %v", err)
	}
}

func TestOverrunMergesIntoLastEntry(t *testing.T) {
	p, err := monitor.NewPipeline(2)
	if err != nil {
		t.Fatal(err)
	}
	f := scalarField()

	a := pvdata.NewPVField(f)
	a.Set("value", 1.0)
	b := pvdata.NewPVField(f)
	b.Set("value", 2.0)
	c := pvdata.NewPVField(f)
	c.Set("value", 3.0)

	if overran := p.Push(a); overran {
		t.Fatal("first push should not overrun")
	}
	if overran := p.Push(b); overran {
		t.Fatal("second push should not overrun (at capacity, not over)")
	}
	if overran := p.Push(c); !overran {
		t.Fatal("third push should overrun and merge")
	}
	if p.Overruns() != 1 {
		t.Fatalf("Overruns()=%d, want 1", p.Overruns())
	}
	if p.Len() != 2 {
		t.Fatalf("Len()=%d, want 2 (merge shouldn't grow the queue)", p.Len())
	}

	first, _ := p.Pop()
	got, _ := first.Get("value")
	if got.(float64) != 1.0 {
		t.Fatalf("first popped value=%v, want 1.0", got)
	}
	second, _ := p.Pop()
	got2, _ := second.Get("value")
	if got2.(float64) != 3.0 {
		t.Fatalf("second popped (merged) value=%v, want 3.0 (last write wins)", got2)
	}
	valueIdx := f.Lookup("value").Index()
	if !second.Overrun.Get(valueIdx) {
		t.Fatalf("merged entry should flag %q on the overrun set (changed more than once)", "value")
	}
	if first.Overrun.Get(valueIdx) {
		t.Fatal("first popped entry only changed once and should not be on the overrun set")
	}
}

func TestAckWindow(t *testing.T) {
	p, _ := monitor.NewPipeline(4) // ackWindow = 2
	f := scalarField()
	for i := 0; i < 2; i++ {
		p.Push(pvdata.NewPVField(f))
	}
	p.Pop()
	if p.NeedsAck() {
		t.Fatal("should not need ack after only one delivery")
	}
	p.Pop()
	if !p.NeedsAck() {
		t.Fatal("expected ack needed once delivered reaches the ack window")
	}
	p.Ack(2)
	if p.NeedsAck() {
		t.Fatal("ack should clear the pending-ack condition")
	}
}
