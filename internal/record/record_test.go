package record

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/kstaniek/can-busoff-sim/internal/bus"
	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/fault"
	"github.com/kstaniek/can-busoff-sim/internal/logging"
)

// collide drives an active victim and a dominant-DLC attacker into one
// collision and records its events.
func collide(t *testing.T, w *Writer, run int) {
	t.Helper()
	e := bus.New(bus.WithLogger(logging.Discard()), bus.WithObserver(w.Observer(run, func(err error) { t.Errorf("record: %v", err) })))
	v := fault.NewNode("victim", fault.DefaultLimits())
	a := fault.NewNode("attacker", fault.DefaultLimits())
	if err := e.Submit(can.NewFrame(0x173, make([]byte, 6)), v); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Submit(can.NewFrame(0x173, make([]byte, 4)), a); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, ok := e.Resolve(); !ok {
		t.Fatalf("expected delivery")
	}
}

func TestWriter_RecordsEngineEvents(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	collide(t, w, 3)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	recs, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != w.Count() {
		t.Fatalf("read %d records, wrote %d", len(recs), w.Count())
	}
	if recs[0].Kind != "collision" || recs[0].Contenders != 2 || recs[0].Run != 3 {
		t.Fatalf("first record: %+v", recs[0])
	}
	st := Summarize(recs)[3]
	if st == nil {
		t.Fatalf("missing run stats")
	}
	if st.Rounds != 1 || st.ActiveFlags != 16 || st.PassiveFlags != 1 || st.BitErrors != 17 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if len(st.BusOff) != 0 {
		t.Fatalf("nobody should be bus-off after one round: %v", st.BusOff)
	}
	var sawPassive bool
	for _, r := range recs {
		if r.Kind == "mode_change" && r.Node == "victim" && r.PrevMode == "error_active" && r.Mode == "error_passive" {
			sawPassive = true
		}
	}
	if !sawPassive {
		t.Fatalf("victim passive transition not recorded")
	}
}

func TestWriter_ConcurrentRuns(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	var wg sync.WaitGroup
	for run := 1; run <= 4; run++ {
		wg.Add(1)
		go func(run int) {
			defer wg.Done()
			collide(t, w, run)
		}(run)
	}
	wg.Wait()
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	recs, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	stats := Summarize(recs)
	if len(stats) != 4 {
		t.Fatalf("expected 4 runs, got %d", len(stats))
	}
	for run, st := range stats {
		if st.Rounds != 1 {
			t.Fatalf("run %d rounds=%d", run, st.Rounds)
		}
	}
}

func TestWriter_Closed(t *testing.T) {
	w := NewWriter(&bytes.Buffer{})
	_ = w.Close()
	if err := w.Write(Record{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestReadAll_Truncated(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	_ = w.Write(Record{Run: 1, Kind: "delivered", Node: "victim"})
	_ = w.Write(Record{Run: 1, Kind: "delivered", Node: "attacker"})
	_ = w.Flush()
	b := buf.Bytes()
	recs, err := ReadAll(bytes.NewReader(b[:len(b)-2]))
	if err == nil {
		t.Fatalf("expected decode error on truncated input")
	}
	if len(recs) != 1 || recs[0].Node != "victim" {
		t.Fatalf("expected the intact first record, got %+v", recs)
	}
}
