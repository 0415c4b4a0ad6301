package conversation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Journal is a JSONL-backed append-only audit trail of bus events. Each
// entry and each clear is written as one line. It is never replayed into a
// live Bus.
type Journal struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// OpenJournal opens (creating if needed) the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	return &Journal{path: path, f: f}, nil
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}

// Write appends one event to the journal.
func (j *Journal) Write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Attach subscribes the journal to bus under the given observer id. Write
// failures are logged, never propagated to the appender.
//
// Writes run inside the bus fan-out, so a slow disk delays every Append,
// orchestrator included. Audit completeness is preferred over latency here.
func (j *Journal) Attach(bus *Bus, id string) {
	bus.Subscribe(id, func(ev Event) {
		if err := j.Write(ev); err != nil {
			slog.Error("journal write failed", "path", j.path, "error", err)
		}
	})
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// ReadJournal decodes every event in the journal at path. A missing file
// yields no events.
func ReadJournal(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal file: %w", err)
	}
	return events, nil
}

// Replay folds journal events into the entries that were live at the end,
// honouring clears.
func Replay(events []Event) []Event {
	var live []Event
	for _, ev := range events {
		switch ev.Type {
		case EventCleared:
			live = live[:0]
		case EventEntry:
			live = append(live, ev)
		}
	}
	return live
}
