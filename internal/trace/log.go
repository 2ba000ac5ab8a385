// internal/trace/log.go

package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Log keeps recorded events in memory and optionally streams them to a
// console writer and a CSV file.
type Log struct {
	mu     sync.Mutex
	now    func() uint64 // current tick
	events []Event
	out    io.Writer

	// csv-related
	csvFile   *os.File
	csvWriter *csv.Writer
}

// NewLog returns a log stamping events with the tick reported by now.
func NewLog(now func() uint64) *Log {
	if now == nil {
		now = func() uint64 { return 0 }
	}
	return &Log{now: now}
}

// SetOutput prints every later event to w; nil turns printing off.
func (l *Log) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// EnableCSV opens the given file path for CSV logging of events.
func (l *Log) EnableCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open trace csv: %w", err)
	}
	w := csv.NewWriter(f)

	// write header
	w.Write([]string{"timestamp", "tick", "event", "thread", "scheduler", "object", "value", "note"})
	w.Flush()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.csvFile = f
	l.csvWriter = w
	return nil
}

// Close flushes and closes the CSV file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.csvFile == nil {
		return nil
	}
	l.csvWriter.Flush()
	err := l.csvWriter.Error()
	if cerr := l.csvFile.Close(); err == nil {
		err = cerr
	}
	l.csvFile, l.csvWriter = nil, nil
	return err
}

// Record implements Recorder.
func (l *Log) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Tick = l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)

	if l.out != nil && ev.Kind != KindTick {
		fmt.Fprintln(l.out, Format(ev))
	}
	if l.csvWriter != nil {
		l.csvWriter.Write([]string{
			ev.Time.Format(time.RFC3339Nano),
			strconv.FormatUint(ev.Tick, 10),
			ev.Kind.String(),
			ev.Thread,
			ev.Scheduler,
			ev.Object,
			strconv.FormatInt(ev.Value, 10),
			ev.Note,
		})
		l.csvWriter.Flush()
	}
}

// Events returns a copy of the recorded events.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Count returns how many events of kind k were recorded for thread.
func (l *Log) Count(k Kind, thread string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == k && (thread == "" || ev.Thread == thread) {
			n++
		}
	}
	return n
}

// Format renders one event as a console line.
func Format(ev Event) string {
	// an auxiliary function to center the event kind in the output
	center := func(str string, width int) string {
		spaces := (width - len(str)) / 2
		if spaces < 0 {
			spaces = 0
		}
		return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", max(0, width-(spaces+len(str))))
	}

	msg := fmt.Sprintf("%s = Tick: %07d [%s] => Thread: %-6s Sched: %-6s Object: %-6s",
		ev.Time.Format("Jan 02 15:04:05.000"),
		ev.Tick,
		center(ev.Kind.String(), 14),
		ev.Thread,
		ev.Scheduler,
		ev.Object,
	)
	if ev.Kind == KindPriority || ev.Kind == KindProcessor || ev.Kind == KindDelay {
		msg += fmt.Sprintf(" value=%d", ev.Value)
	}
	if ev.Note != "" {
		msg += " (" + ev.Note + ")"
	}
	return msg
}
