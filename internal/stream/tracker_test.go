package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestApply_PartialFillsAccumulateToFilled(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	tr.Track(OrderRecord{OrderID: "o-1", Symbol: "BRUSDT", Side: "BUY", Quantity: dec("30")})

	tr.Apply(Event{OrderID: "o-1", Status: StatusPartiallyFilled, ExecutedQty: dec("10")})
	rec, ok := tr.Get("o-1")
	if !ok {
		t.Fatal("order not found after first partial fill")
	}
	if rec.Status != StatusPartiallyFilled || !rec.ExecutedQty.Equal(dec("10")) {
		t.Fatalf("first partial fill mismatch: %+v", rec)
	}

	tr.Apply(Event{OrderID: "o-1", Status: StatusPartiallyFilled, ExecutedQty: dec("25")})
	rec, _ = tr.Get("o-1")
	if !rec.ExecutedQty.Equal(dec("25")) {
		t.Fatalf("second partial fill mismatch: %+v", rec)
	}

	tr.Apply(Event{OrderID: "o-1", Status: StatusFilled, ExecutedQty: dec("30"), Commission: dec("0.03")})
	rec, _ = tr.Get("o-1")
	if rec.Status != StatusFilled {
		t.Fatalf("expected FILLED, got %s", rec.Status)
	}
	if !rec.ExecutedQty.Equal(dec("30")) || !rec.Commission.Equal(dec("0.03")) {
		t.Fatalf("final fill snapshot mismatch: %+v", rec)
	}
}

func TestApply_TerminalStateFrozen(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	tr.Track(OrderRecord{OrderID: "o-1"})
	tr.Apply(Event{OrderID: "o-1", Status: StatusCanceled})

	// 终态后到达的迟到事件不再迁移状态。
	tr.Apply(Event{OrderID: "o-1", Status: StatusFilled, ExecutedQty: dec("5")})
	rec, _ := tr.Get("o-1")
	if rec.Status != StatusCanceled {
		t.Fatalf("terminal state must not transition, got %s", rec.Status)
	}
	if !rec.ExecutedQty.IsZero() {
		t.Fatalf("late event must not mutate terminal record: %+v", rec)
	}
}

func TestApply_UnknownOrderIgnored(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	tr.Apply(Event{OrderID: "ghost", Status: StatusFilled})
	if tr.Len() != 0 {
		t.Fatalf("unknown order must not be created, len=%d", tr.Len())
	}
}

func TestAwaitFill_UnblocksOnTerminal(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	tr.Track(OrderRecord{OrderID: "o-1"})

	done := make(chan OrderRecord, 1)
	go func() {
		rec, err := tr.AwaitFill(context.Background(), "o-1", 2*time.Second)
		if err != nil {
			t.Errorf("AwaitFill returned error: %v", err)
		}
		done <- rec
	}()

	time.Sleep(20 * time.Millisecond)
	tr.Apply(Event{OrderID: "o-1", Status: StatusFilled, ExecutedQty: dec("7")})

	select {
	case rec := <-done:
		if rec.Status != StatusFilled || !rec.ExecutedQty.Equal(dec("7")) {
			t.Fatalf("awaited snapshot mismatch: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitFill did not unblock on terminal event")
	}
}

func TestAwaitFill_AlreadyTerminal(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	tr.Track(OrderRecord{OrderID: "o-1"})
	tr.Apply(Event{OrderID: "o-1", Status: StatusFilled})

	rec, err := tr.AwaitFill(context.Background(), "o-1", time.Millisecond)
	if err != nil {
		t.Fatalf("AwaitFill on terminal order returned error: %v", err)
	}
	if rec.Status != StatusFilled {
		t.Fatalf("expected FILLED snapshot, got %s", rec.Status)
	}
}

func TestAwaitFill_Timeout(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	tr.Track(OrderRecord{OrderID: "o-1"})

	_, err := tr.AwaitFill(context.Background(), "o-1", 20*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}

	// 超时后等待者已被摘除，终态事件不会panic也不会泄漏。
	tr.Apply(Event{OrderID: "o-1", Status: StatusFilled})
}

func TestAwaitFill_UnknownOrder(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	if _, err := tr.AwaitFill(context.Background(), "ghost", time.Millisecond); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestResolve_CorrectsLocalState(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	tr.Track(OrderRecord{OrderID: "o-1"})

	// 断连期间错过推送，主动查单结果补齐终态。
	tr.Resolve(OrderRecord{OrderID: "o-1", Status: StatusFilled, ExecutedQty: dec("12")})
	rec, _ := tr.Get("o-1")
	if rec.Status != StatusFilled || !rec.ExecutedQty.Equal(dec("12")) {
		t.Fatalf("Resolve did not apply poll result: %+v", rec)
	}
}

func TestSweep_RemovesExpiredTerminalOnly(t *testing.T) {
	tr := NewTracker(time.Minute, nil)

	current := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return current }

	tr.Track(OrderRecord{OrderID: "live"})
	tr.Track(OrderRecord{OrderID: "done"})
	tr.Apply(Event{OrderID: "done", Status: StatusFilled})

	if n := tr.Sweep(current.Add(30 * time.Second)); n != 0 {
		t.Fatalf("terminal within retention must survive, removed %d", n)
	}
	if n := tr.Sweep(current.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected 1 expired record removed, got %d", n)
	}
	if _, ok := tr.Get("live"); !ok {
		t.Fatal("non-terminal order must never be swept")
	}
}

func TestGapMarkers(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	if !tr.Healthy() {
		t.Fatal("tracker should start healthy")
	}
	tr.MarkGap()
	if tr.Healthy() {
		t.Fatal("expected unhealthy after MarkGap")
	}
	tr.MarkHealthy()
	if !tr.Healthy() {
		t.Fatal("expected healthy after MarkHealthy")
	}
}
