package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func TestEmitterOrdersAndMergesMeta(t *testing.T) {
	rec := NewRecorder(0)
	em := NewEmitter(rec, map[string]interface{}{"run_id": "r1"})

	em.Emit(TypeRunStarted, "start", nil)
	em.Emit(TypeResult, "done", map[string]interface{}{"status": "success"})

	got := rec.Events()
	if len(got) != 2 {
		t.Fatalf("events = %d", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("seq = %d,%d", got[0].Seq, got[1].Seq)
	}
	if got[1].Meta["run_id"] != "r1" || got[1].Meta["status"] != "success" {
		t.Errorf("meta = %v", got[1].Meta)
	}
	if since := rec.Since(1); len(since) != 1 || since[0].Text != "done" {
		t.Errorf("since = %+v", since)
	}
}

func TestRecorderLimit(t *testing.T) {
	rec := NewRecorder(2)
	for i := int64(1); i <= 3; i++ {
		rec.Emit(Event{Seq: i})
	}
	got := rec.Events()
	if len(got) != 2 || got[0].Seq != 2 {
		t.Errorf("retained %+v", got)
	}
}

func TestMultiFanOut(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	m := NewMulti(a, nil, b)
	m.Emit(Event{Text: "x"})
	if a.Len() != 1 || b.Len() != 1 {
		t.Errorf("a=%d b=%d", a.Len(), b.Len())
	}
}

func TestAsyncPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []int64
	slow := SinkFunc(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Seq)
		mu.Unlock()
	})
	a := NewAsync("test", slow, 100, zap.NewNop())
	for i := int64(1); i <= 50; i++ {
		a.Emit(Event{Seq: i})
	}
	a.Close()
	a.Emit(Event{Seq: 99}) // after close: ignored

	if len(seen) != 50 {
		t.Fatalf("delivered %d events", len(seen))
	}
	for i, s := range seen {
		if s != int64(i+1) {
			t.Fatalf("out of order at %d: %d", i, s)
		}
	}
}

func TestAsyncCloseWhileEmitting(t *testing.T) {
	var delivered atomic.Int64
	a := NewAsync("test", SinkFunc(func(Event) { delivered.Add(1) }), 8, zap.NewNop())

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				a.Emit(Event{Seq: int64(i)})
			}
		}()
	}
	a.Close()
	wg.Wait()
	a.Close()

	after := delivered.Load()
	a.Emit(Event{Seq: 1000})
	if delivered.Load() != after {
		t.Error("event delivered after close")
	}
}
