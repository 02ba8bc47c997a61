package history

import (
	"sync"
	"time"

	"github.com/kamalsaleh/mcp-for-gap/internal/events"
)

// DefaultLimit bounds the journal when no explicit limit is configured.
const DefaultLimit = 64

// Entry is one recorded command round trip.
type Entry struct {
	Timestamp time.Time
	SessionID string
	Tool      string
	Command   string
	Outcome   string
	Error     string
	Duration  time.Duration
}

// Stats summarizes journal contents for health reporting.
type Stats struct {
	Total     int
	Succeeded int
	Failed    int
	Restarts  int
}

// Journal retains the most recent command records in process memory.
type Journal struct {
	mu       sync.RWMutex
	limit    int
	entries  []Entry
	total    int
	failed   int
	restarts int
}

// New creates a journal bounded to the given number of entries.
func New(limit int) *Journal {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Journal{
		limit:   limit,
		entries: make([]Entry, 0, limit),
	}
}

// Attach subscribes the journal to command and restart events on the bus.
func (j *Journal) Attach(bus events.Bus) {
	if bus == nil {
		return
	}
	bus.Subscribe(events.EventTypeCommandExecuted, func(event events.Event) {
		record, ok := event.Payload.(events.CommandRecord)
		if !ok {
			return
		}
		j.Record(Entry{
			Timestamp: event.Timestamp,
			SessionID: event.SessionID,
			Tool:      record.Tool,
			Command:   record.Command,
			Outcome:   record.Outcome,
			Error:     record.Error,
			Duration:  record.Duration,
		})
	})
	bus.Subscribe(events.EventTypeSessionRestarted, func(events.Event) {
		j.recordRestart()
	})
}

// Record appends one entry, evicting the oldest when over the limit.
func (j *Journal) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, entry)
	if len(j.entries) > j.limit {
		j.entries = j.entries[len(j.entries)-j.limit:]
	}
	j.total++
	if entry.Outcome != events.OutcomeSuccess {
		j.failed++
	}
}

// Recent returns up to n most recent entries, newest last.
func (j *Journal) Recent(n int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n <= 0 || n > len(j.entries) {
		n = len(j.entries)
	}
	out := make([]Entry, n)
	copy(out, j.entries[len(j.entries)-n:])
	return out
}

// Stats reports aggregate counters since process start.
func (j *Journal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return Stats{
		Total:     j.total,
		Succeeded: j.total - j.failed,
		Failed:    j.failed,
		Restarts:  j.restarts,
	}
}

func (j *Journal) recordRestart() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.restarts++
}
