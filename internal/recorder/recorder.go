package recorder

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"brewctl/internal/model"
)

// DefaultHeartbeat is how much sample time may pass before an
// unchanged state is written again.
const DefaultHeartbeat = time.Minute

// Recorder writes one line per interesting sample: the first one, any
// change in observable state, or a heartbeat once enough sample time
// passed since the last line. Identical states inside the heartbeat
// window emit nothing. Output goes to a writer, so recording is a
// stream, not a store.
type Recorder struct {
	mu        sync.Mutex
	w         io.Writer
	csv       *csv.Writer
	headed    bool
	heartbeat time.Duration
	last      model.Sample
	lastAt    int64
	logged    bool
	count     int
}

// New creates a recorder emitting text lines.
func New(w io.Writer, heartbeat time.Duration) *Recorder {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Recorder{w: w, heartbeat: heartbeat}
}

// NewCSV creates a recorder emitting CSV rows under a header, with the
// same line selection as the text form.
func NewCSV(w io.Writer, heartbeat time.Duration) *Recorder {
	r := New(w, heartbeat)
	r.csv = csv.NewWriter(w)
	return r
}

// Observe considers one sample and writes it when it is interesting.
func (r *Recorder) Observe(s model.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.interestingLocked(s) {
		return
	}
	r.last = s
	r.lastAt = s.Time
	r.logged = true
	r.count++
	if err := r.writeLocked(s); err != nil {
		log.Printf("record: write failed: %v", err)
	}
}

// Count returns how many lines have been written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Recorder) interestingLocked(s model.Sample) bool {
	if !r.logged {
		return true
	}
	if s.Heater != r.last.Heater ||
		s.Temperature != r.last.Temperature ||
		s.MashTemperature != r.last.MashTemperature ||
		s.Controller != r.last.Controller {
		return true
	}
	return s.Time-r.lastAt >= r.heartbeat.Milliseconds()
}

func (r *Recorder) writeLocked(s model.Sample) error {
	stamp := time.UnixMilli(s.Time).UTC()
	if r.csv != nil {
		if !r.headed {
			if err := r.csv.Write([]string{"time", "heater", "temperature", "mash_temperature", "controller"}); err != nil {
				return err
			}
			r.headed = true
		}
		record := []string{
			stamp.Format(time.RFC3339Nano),
			strconv.Itoa(s.Heater),
			s.Temperature.String(),
			s.MashTemperature.String(),
			s.Controller.String(),
		}
		if err := r.csv.Write(record); err != nil {
			return err
		}
		r.csv.Flush()
		return r.csv.Error()
	}
	_, err := fmt.Fprintf(r.w, "%s heater=%s temperature=%s mash-temperature=%s controller=%s\n",
		stamp.Format(time.RFC3339),
		heaterWord(s.Heater),
		displayValue(s.Temperature),
		displayValue(s.MashTemperature),
		displayValue(s.Controller),
	)
	return err
}

func heaterWord(h int) string {
	if h != 0 {
		return "on"
	}
	return "off"
}

// displayValue renders numbers to two decimals and keeps text as is.
// An absent field shows as a dash.
func displayValue(v model.Value) string {
	if f, ok := v.Float(); ok {
		return strconv.FormatFloat(f, 'f', 2, 64)
	}
	if s := v.String(); s != "" {
		return s
	}
	return "-"
}
