package pvdata_test

import (
	"testing"

	"github.com/pvaccess-go/pva/pvdata"
)

func scalarStruct() *pvdata.Field {
	return pvdata.NewStruct("epics:nt/NTScalar:1.0",
		pvdata.NewScalar("value", pvdata.TypeDouble),
		pvdata.NewScalar("alarm", pvdata.TypeInt),
	)
}

func TestPVFieldSetMarksChanged(t *testing.T) {
	f := scalarStruct()
	pv := pvdata.NewPVField(f)
	pv.Set("value", 42.0)

	got, ok := pv.Get("value")
	if !ok || got.(float64) != 42.0 {
		t.Fatalf("Get(value)=%v,%v", got, ok)
	}
	valueIdx := f.Lookup("value").Index()
	if !pv.Changed.Get(valueIdx) {
		t.Fatal("expected value leaf marked changed")
	}
	if !pv.Changed.Get(0) {
		t.Fatal("expected top-level struct bit set")
	}
	if pv.Changed.Get(f.Lookup("alarm").Index()) {
		t.Fatal("alarm should not be marked changed")
	}
}

func TestPVFieldMergeOverrun(t *testing.T) {
	f := scalarStruct()
	a := pvdata.NewPVField(f)
	a.Set("value", 1.0)
	b := pvdata.NewPVField(f)
	b.Set("value", 2.0)

	a.Merge(b)
	got, _ := a.Get("value")
	if got.(float64) != 2.0 {
		t.Fatalf("after merge value=%v, want 2.0 (last write wins)", got)
	}
	if !a.Overrun.Get(f.Lookup("value").Index()) {
		t.Fatal("value changed in both merged updates and should be on the overrun set")
	}
	if a.Overrun.Get(f.Lookup("alarm").Index()) {
		t.Fatal("alarm never changed and should not be on the overrun set")
	}
}

func TestParsePVRequest(t *testing.T) {
	req := pvdata.ParsePVRequest("field(value,alarm.severity)record[queueSize=16,pipeline=true]")
	if len(req.Fields) != 2 || req.Fields[0] != "value" || req.Fields[1] != "alarm.severity" {
		t.Fatalf("Fields=%v", req.Fields)
	}
	if req.Options["queueSize"] != "16" || req.Options["pipeline"] != "true" {
		t.Fatalf("Options=%v", req.Options)
	}
	if !req.Selects("value") || !req.Selects("alarm.severity") {
		t.Fatal("expected explicit fields selected")
	}
	if req.Selects("timeStamp") {
		t.Fatal("timeStamp should not be selected")
	}
}

func TestParsePVRequestEmptyMeansEverything(t *testing.T) {
	req := pvdata.ParsePVRequest("")
	if !req.Selects("anything.goes") {
		t.Fatal("empty pvRequest should select everything")
	}
}
