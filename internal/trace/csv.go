// Package trace reads and writes synthetic CAN logs in the
// Arbitration_ID,DLC,Data CSV layout and generates them from a message
// catalog.
package trace

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kstaniek/can-busoff-sim/internal/can"
)

// Header is the first row of every trace file.
var Header = []string{"Arbitration_ID", "DLC", "Data"}

var (
	ErrBadHeader = errors.New("trace: bad header")
	ErrBadRow    = errors.New("trace: malformed row")
)

// Reader parses trace rows into frames.
type Reader struct {
	r      *csv.Reader
	line   int
	header bool
}

func NewReader(r io.Reader) *Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return &Reader{r: cr}
}

// Read returns the next frame or io.EOF.
func (r *Reader) Read() (can.Frame, error) {
	if !r.header {
		rec, err := r.r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return can.Frame{}, fmt.Errorf("%w: empty file", ErrBadHeader)
			}
			return can.Frame{}, err
		}
		r.line++
		if len(rec) != len(Header) || rec[0] != Header[0] || rec[1] != Header[1] || rec[2] != Header[2] {
			return can.Frame{}, fmt.Errorf("%w: %v", ErrBadHeader, rec)
		}
		r.header = true
	}
	rec, err := r.r.Read()
	if err != nil {
		return can.Frame{}, err
	}
	r.line++
	fr, err := parseRow(rec)
	if err != nil {
		return can.Frame{}, fmt.Errorf("line %d: %w", r.line, err)
	}
	return fr, nil
}

func parseRow(rec []string) (can.Frame, error) {
	if len(rec) != len(Header) {
		return can.Frame{}, fmt.Errorf("%w: got %d fields, need %d", ErrBadRow, len(rec), len(Header))
	}
	idStr := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(rec[0])), "0x")
	id, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: arbitration id %q: %v", ErrBadRow, rec[0], err)
	}
	if id > can.CAN_EFF_MASK {
		return can.Frame{}, fmt.Errorf("%w: arbitration id %q: %w", ErrBadRow, rec[0], can.ErrInvalidID)
	}
	dlc, err := strconv.Atoi(strings.TrimSpace(rec[1]))
	if err != nil || dlc < 0 || dlc > can.MaxLen {
		return can.Frame{}, fmt.Errorf("%w: dlc %q", ErrBadRow, rec[1])
	}
	data, err := hex.DecodeString(strings.TrimSpace(rec[2]))
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: data %q: %v", ErrBadRow, rec[2], err)
	}
	if len(data) != dlc {
		return can.Frame{}, fmt.Errorf("%w: dlc %d but %d data bytes", ErrBadRow, dlc, len(data))
	}
	fr := can.NewFrame(uint32(id), data)
	if err := fr.Validate(); err != nil {
		return can.Frame{}, fmt.Errorf("%w: %w", ErrBadRow, err)
	}
	return fr, nil
}

// ReadAll drains r.
func ReadAll(r io.Reader) ([]can.Frame, error) {
	tr := NewReader(r)
	var out []can.Frame
	for {
		fr, err := tr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, fr)
	}
}

// Writer emits trace rows; the header is written before the first row.
type Writer struct {
	w      *csv.Writer
	header bool
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: csv.NewWriter(w)} }

func (w *Writer) Write(fr can.Frame) error {
	if !w.header {
		if err := w.w.Write(Header); err != nil {
			return err
		}
		w.header = true
	}
	return w.w.Write([]string{
		"0x" + strconv.FormatUint(uint64(fr.ID()), 16),
		strconv.Itoa(int(fr.Len)),
		hex.EncodeToString(fr.Payload()),
	})
}

// Flush writes buffered rows and reports any write error.
func (w *Writer) Flush() error {
	if !w.header {
		if err := w.w.Write(Header); err != nil {
			return err
		}
		w.header = true
	}
	w.w.Flush()
	return w.w.Error()
}
