package webguard

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const eventLogDateLayout = "2006-01-02"

// EventLog is the durable security log: one file per calendar day, one JSON
// object per line, append only. There is no update, delete or compaction;
// rotation happens by the date changing.
type EventLog struct {
	mu   sync.Mutex
	dir  string
	day  string
	file *os.File
	now  func() time.Time
}

func NewEventLog(dir string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir %s: %w", dir, err)
	}
	return &EventLog{dir: dir, now: time.Now}, nil
}

// Append writes one entry to today's file. fields are merged under a
// timestamp/level envelope; the original keys survive verbatim so entries
// read back intact. Write failures fall back to the application log and
// never surface to the caller.
func (l *EventLog) Append(level string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = l.now().Format(time.RFC3339Nano)
	entry["level"] = level

	line, err := json.Marshal(entry)
	if err != nil {
		logger.Error().Err(err).Msg("eventlog: marshal failed")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateLocked(); err != nil {
		logger.Error().Err(err).Msg("eventlog: rotation failed")
		return
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		logger.Error().Err(err).Str("file", l.fileName(l.day)).Msg("eventlog: append failed")
	}
}

// Query scans the files for the last `days` calendar days and returns the
// entries whose timestamp is at or after since, oldest first. Lines that
// fail to parse are skipped.
func (l *EventLog) Query(days int, since time.Time) ([]map[string]any, error) {
	if days <= 0 {
		days = 1
	}
	now := l.now()

	var out []map[string]any
	for i := days - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i).Format(eventLogDateLayout)
		entries, err := l.scanFile(l.fileName(day), since)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (l *EventLog) scanFile(path string, since time.Time) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		raw, _ := entry["timestamp"].(string)
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil || ts.Before(since) {
			continue
		}
		out = append(out, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan %s: %w", path, err)
	}
	return out, nil
}

func (l *EventLog) rotateLocked() error {
	day := l.now().Format(eventLogDateLayout)
	if l.file != nil && day == l.day {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	f, err := os.OpenFile(l.fileName(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.day = day
	return nil
}

func (l *EventLog) fileName(day string) string {
	return filepath.Join(l.dir, "security-"+day+".log")
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
