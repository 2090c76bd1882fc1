package operation_test

import (
	"testing"

	"github.com/pvaccess-go/pva/operation"
	"github.com/pvaccess-go/pva/pvdata"
)

func TestSingleOutstandingRequestRule(t *testing.T) {
	op := operation.New(1, operation.KindGet, pvdata.ParsePVRequest(""))
	if err := op.Submit(operation.QoSGet, func(*pvdata.PVField, error) {}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := op.Submit(operation.QoSGet, func(*pvdata.PVField, error) {}); err == nil {
		t.Fatal("expected second concurrent Submit to fail")
	}
	op.Complete(nil, nil)
	if err := op.Submit(operation.QoSGet, func(*pvdata.PVField, error) {}); err != nil {
		t.Fatalf("Submit after Complete: %v", err)
	}
}

func TestDestroyIsIdempotentAndFailsPendingCallback(t *testing.T) {
	op := operation.New(2, operation.KindPut, pvdata.ParsePVRequest(""))
	var gotErr error
	_ = op.Submit(operation.QoSDefault, func(_ *pvdata.PVField, err error) { gotErr = err })

	op.Destroy()
	if gotErr == nil {
		t.Fatal("expected outstanding callback to be failed on destroy")
	}
	op.Destroy() // idempotent, must not panic

	if err := op.Submit(operation.QoSDefault, func(*pvdata.PVField, error) {}); err == nil {
		t.Fatal("expected Submit on destroyed operation to fail")
	}
}

func TestCancelAllowsFurtherSubmit(t *testing.T) {
	op := operation.New(3, operation.KindRPC, pvdata.ParsePVRequest(""))
	_ = op.Submit(operation.QoSDefault, func(*pvdata.PVField, error) {})
	op.Cancel()
	if err := op.Submit(operation.QoSDefault, func(*pvdata.PVField, error) {}); err != nil {
		t.Fatalf("Submit after Cancel: %v", err)
	}
}
