package sessions

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLive struct {
	cancels atomic.Int64
	warns   atomic.Int64
	warnErr error
}

func (f *fakeLive) Cancel() { f.cancels.Add(1) }

func (f *fakeLive) SendWarning(code, message string) error {
	_ = code
	_ = message
	f.warns.Add(1)
	return f.warnErr
}

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := tr.Register("s1", &fakeLive{})
	u2 := tr.Register("s2", &fakeLive{})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}

	u1()
	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
}

func TestTracker_WaitTimesOut(t *testing.T) {
	tr := NewTracker()
	tr.Register("s1", &fakeLive{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait returned true with a live session")
	}
}

func TestTracker_ReplacingIDCancelsOld(t *testing.T) {
	tr := NewTracker()
	old := &fakeLive{}
	tr.Register("s1", old)
	tr.Register("s1", &fakeLive{})

	if old.cancels.Load() != 1 {
		t.Fatalf("old session not canceled")
	}
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}
}

func TestTracker_CancelAll_CallsCancel(t *testing.T) {
	tr := NewTracker()
	l1, l2 := &fakeLive{}, &fakeLive{}
	tr.Register("s1", l1)
	tr.Register("s2", l2)

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if l1.cancels.Load() != 1 || l2.cancels.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", l1.cancels.Load(), l2.cancels.Load())
	}
}

func TestTracker_WarnAll_BestEffort(t *testing.T) {
	tr := NewTracker()
	ok := &fakeLive{}
	bad := &fakeLive{warnErr: errors.New("nope")}
	tr.Register("s1", ok)
	tr.Register("s2", bad)

	sent, err := tr.WarnAll("draining", "test")
	if sent != 1 {
		t.Fatalf("sent=%d, want 1", sent)
	}
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("err=%v", err)
	}
	if ok.warns.Load() != 1 || bad.warns.Load() != 1 {
		t.Fatalf("warn calls=%d/%d, want 1/1", ok.warns.Load(), bad.warns.Load())
	}
}

func TestNewID_Unique(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b || !strings.HasPrefix(a, "sess_") {
		t.Fatalf("ids %q %q", a, b)
	}
}

func TestNilTracker(t *testing.T) {
	var tr *Tracker
	tr.Register("s", &fakeLive{})()
	if tr.Count() != 0 || tr.CancelAll() != 0 || !tr.Wait(context.Background()) {
		t.Fatalf("nil tracker should be inert")
	}
}
