package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// journal appends one full task snapshot per state transition. Replay
// keeps the last snapshot per task id, so the file needs no compaction to
// stay correct, only to stay small.
type journal struct {
	mu   sync.Mutex
	file *os.File
}

func openJournal(path string) (*journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening task journal: %w", err)
	}
	return &journal{file: file}, nil
}

// append writes one snapshot line.
func (j *journal) append(t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending task %s: %w", t.ID, err)
	}
	return nil
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// replayJournal reads the journal at path and returns the last snapshot
// per task id plus the ids in first-seen order. A torn final line (crash
// mid-append) is skipped with a warning; anything unparseable earlier in
// the file is skipped the same way.
func replayJournal(path string) (map[string]*Task, []string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Task{}, nil, nil
		}
		return nil, nil, fmt.Errorf("opening task journal: %w", err)
	}
	defer file.Close()

	tasks := make(map[string]*Task)
	var order []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			log.WithFields(log.Fields{"path": path, "line": line, "error": err}).
				Warn("skipping unreadable journal line")
			continue
		}
		if t.ID == "" {
			continue
		}
		if _, seen := tasks[t.ID]; !seen {
			order = append(order, t.ID)
		}
		snapshot := t
		tasks[t.ID] = &snapshot
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading task journal: %w", err)
	}
	return tasks, order, nil
}
