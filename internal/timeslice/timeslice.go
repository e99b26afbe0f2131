// Package timeslice records how long each trap took to resolve into a
// compact binary trace.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/trapcore/internal/trap"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3

	headerAlign = 4096
	bufferSize  = 4096
)

type header struct {
	Magic       uint32
	Version     uint32
	NamesLength uint32
}

// names maps the numeric kind and action IDs stored in records.
type names struct {
	Kinds   []string `json:"kinds"`
	Actions []string `json:"actions"`
}

func currentNames() names {
	n := names{}
	for k := trap.Kind(0); k < trap.NumKinds; k++ {
		n.Kinds = append(n.Kinds, k.String())
	}
	for _, a := range []trap.Action{trap.ActionResume, trap.ActionInjectFault, trap.ActionTerminateCell} {
		n.Actions = append(n.Actions, a.String())
	}
	return n
}

type record struct {
	Kind     uint8
	Action   uint8
	CPU      uint16
	_        uint32
	Duration int64
}

var recordSize = binary.Size(record{})

// Record is one decoded trace entry.
type Record struct {
	CPU      int
	Kind     string
	Action   string
	Duration time.Duration
}

// Writer is a trap.Observer that streams records to an io.Writer from a
// background goroutine. Observing never blocks the trap path: records
// that do not fit in the queue are dropped and counted.
type Writer struct {
	w       io.Writer
	records chan record
	done    chan error
	dropped atomic.Uint64

	// mu orders sends on records against closing it.
	mu     sync.RWMutex
	closed bool
}

var _ trap.Observer = (*Writer)(nil)

// NewWriter writes the trace header to w and starts the writer.
func NewWriter(w io.Writer) (*Writer, error) {
	n, err := json.Marshal(currentNames())
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal names: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		NamesLength: uint32(len(n)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(n); err != nil {
		return nil, fmt.Errorf("timeslice: write names: %w", err)
	}

	off := binary.Size(header{}) + len(n)
	if pad := off % headerAlign; pad != 0 {
		if _, err := w.Write(make([]byte, headerAlign-pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	tw := &Writer{
		w:       w,
		records: make(chan record, bufferSize),
		done:    make(chan error, 1),
	}
	go tw.run()
	return tw, nil
}

func (w *Writer) run() {
	var buf [bufferSize]byte
	off := 0

	for r := range w.records {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.done <- err
				for range w.records {
				}
				return
			}
			off = 0
		}
		buf[off] = r.Kind
		buf[off+1] = r.Action
		binary.LittleEndian.PutUint16(buf[off+2:], r.CPU)
		binary.LittleEndian.PutUint32(buf[off+4:], 0)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(r.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- nil
}

// TrapResolved implements trap.Observer.
func (w *Writer) TrapResolved(cpu int, o trap.Outcome, d time.Duration) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return
	}
	select {
	case w.records <- record{
		Kind:     uint8(o.Kind),
		Action:   uint8(o.Action),
		CPU:      uint16(cpu),
		Duration: d.Nanoseconds(),
	}:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to a full queue.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Close flushes pending records. Traps observed after Close are
// ignored.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("timeslice: already closed")
	}
	w.closed = true
	close(w.records)
	w.mu.Unlock()
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

// ReadAll decodes a trace, calling fn for every record.
func ReadAll(r io.Reader, fn func(Record) error) error {
	buf := bufio.NewReaderSize(r, bufferSize)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", h.Version)
	}

	var n names
	if err := json.NewDecoder(io.LimitReader(buf, int64(h.NamesLength))).Decode(&n); err != nil {
		return fmt.Errorf("timeslice: decode names: %w", err)
	}

	off := int(h.NamesLength) + binary.Size(h)
	if pad := off % headerAlign; pad != 0 {
		if _, err := buf.Discard(headerAlign - pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		if int(rec.Kind) >= len(n.Kinds) || int(rec.Action) >= len(n.Actions) {
			return fmt.Errorf("timeslice: record with unknown kind %d or action %d", rec.Kind, rec.Action)
		}
		if err := fn(Record{
			CPU:      int(rec.CPU),
			Kind:     n.Kinds[rec.Kind],
			Action:   n.Actions[rec.Action],
			Duration: time.Duration(rec.Duration),
		}); err != nil {
			return err
		}
	}
}
