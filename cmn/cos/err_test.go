package cos_test

import (
	"testing"

	"github.com/pvaccess-go/pva/cmn/cos"
)

func TestStatusFatalToTransport(t *testing.T) {
	cases := []struct {
		kind  cos.Kind
		fatal bool
	}{
		{cos.KindConnectionClosed, true},
		{cos.KindInvalidDataStream, true},
		{cos.KindFatal, true},
		{cos.KindTimeout, false},
		{cos.KindOtherRequestPending, false},
		{cos.KindOK, false},
	}
	for _, c := range cases {
		st := cos.NewStatus(c.kind, "x")
		if got := st.FatalToTransport(); got != c.fatal {
			t.Errorf("%s: FatalToTransport()=%v, want %v", c.kind, got, c.fatal)
		}
	}
}

func TestErrsDedup(t *testing.T) {
	var e cos.Errs
	e.Add(cos.NewStatus(cos.KindTimeout, "boom"))
	e.Add(cos.NewStatus(cos.KindTimeout, "boom"))
	e.Add(cos.NewStatus(cos.KindFatal, "other"))
	if n := e.Cnt(); n != 2 {
		t.Fatalf("Cnt()=%d, want 2", n)
	}
}
