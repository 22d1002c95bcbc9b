// Package record persists the engine event stream as a CBOR sequence so
// experiments can be analysed offline.
package record

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/kstaniek/can-busoff-sim/internal/bus"
	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/fault"
)

var ErrClosed = errors.New("record: writer closed")

// Record is the stored form of a bus.Event. Integer keys keep the sequence
// compact; strings are used for enums so records stay readable by any CBOR
// tool.
type Record struct {
	Run        int    `cbor:"1,keyasint"`
	Round      uint64 `cbor:"2,keyasint"`
	Kind       string `cbor:"3,keyasint"`
	Node       string `cbor:"4,keyasint,omitempty"`
	CANID      uint32 `cbor:"5,keyasint,omitempty"`
	Flag       string `cbor:"6,keyasint,omitempty"`
	Contenders int    `cbor:"7,keyasint,omitempty"`
	Reason     string `cbor:"8,keyasint,omitempty"`
	TECBefore  int    `cbor:"9,keyasint,omitempty"`
	TECAfter   int    `cbor:"10,keyasint,omitempty"`
	Mode       string `cbor:"11,keyasint,omitempty"`
	PrevMode   string `cbor:"12,keyasint,omitempty"`
}

// FromEvent converts an engine event of the given run.
func FromEvent(run int, ev bus.Event) Record {
	r := Record{
		Run:        run,
		Round:      ev.Round,
		Kind:       ev.Kind.String(),
		Node:       ev.Node,
		CANID:      ev.CANID,
		Contenders: ev.Contenders,
		Reason:     string(ev.Reason),
		TECBefore:  ev.TECBefore,
		TECAfter:   ev.TECAfter,
	}
	switch ev.Kind {
	case bus.EventErrorFlag:
		r.Flag = ev.Flag.String()
		r.Mode = ev.Mode.String()
	case bus.EventCounter, bus.EventDelivered:
		r.Mode = ev.Mode.String()
	case bus.EventModeChange:
		r.Mode = ev.Mode.String()
		r.PrevMode = ev.PrevMode.String()
	}
	return r
}

// Writer appends records to an io.Writer. It is safe for concurrent use so
// parallel runs can share one file.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	enc    *cbor.Encoder
	n      int
	err    error
	closed bool
}

func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{bw: bw, enc: cbor.NewEncoder(bw)}
}

// Write encodes one record. After the first failure every call returns the
// same error.
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}
	if err := w.enc.Encode(r); err != nil {
		w.err = fmt.Errorf("record: encode: %w", err)
		return w.err
	}
	w.n++
	return nil
}

// Observer returns a bus.Observer that records the events of one run.
// Encoding errors are passed to onErr when it is non-nil.
func (w *Writer) Observer(run int, onErr func(error)) bus.Observer {
	return func(ev bus.Event) {
		if err := w.Write(FromEvent(run, ev)); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

// Count returns the number of records written so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Flush pushes buffered records to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	return w.bw.Flush()
}

// Close flushes and rejects further writes. The underlying writer is left open.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	return w.bw.Flush()
}

// Reader decodes a record sequence.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader { return &Reader{dec: cbor.NewDecoder(r)} }

// Read returns the next record or io.EOF at the end of the sequence.
func (r *Reader) Read() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ReadAll decodes records until EOF.
func ReadAll(r io.Reader) ([]Record, error) {
	rd := NewReader(r)
	var out []Record
	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("record: decode #%d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}

// Stats summarises a record sequence per run.
type Stats struct {
	Rounds       int
	BitErrors    int
	ActiveFlags  int
	PassiveFlags int
	BusOff       map[string]uint64 // node -> round it went bus-off
}

// Summarize folds records into per-run statistics.
func Summarize(recs []Record) map[int]*Stats {
	out := make(map[int]*Stats)
	get := func(run int) *Stats {
		s, ok := out[run]
		if !ok {
			s = &Stats{BusOff: map[string]uint64{}}
			out[run] = s
		}
		return s
	}
	for _, r := range recs {
		s := get(r.Run)
		switch r.Kind {
		case bus.EventDelivered.String():
			s.Rounds++
		case bus.EventBitError.String():
			s.BitErrors++
		case bus.EventErrorFlag.String():
			if r.Flag == can.FlagActive.String() {
				s.ActiveFlags++
			} else {
				s.PassiveFlags++
			}
		case bus.EventModeChange.String():
			if r.Mode == fault.BusOff.String() {
				s.BusOff[r.Node] = r.Round
			}
		}
	}
	return out
}
