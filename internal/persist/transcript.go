package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ashureev/middleman/internal/domain"
)

// Transcripts owns the sessions/ directory of append-only per-agent
// JSONL transcript files. Appends are queued and written by one
// background goroutine per agent so event loops never block on disk.
type Transcripts struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	writers map[string]*transcriptWriter
}

// NewTranscripts creates the transcript manager rooted at dir.
func NewTranscripts(dir string, logger *slog.Logger) (*Transcripts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcripts{dir: dir, logger: logger, writers: make(map[string]*transcriptWriter)}, nil
}

// Path returns the transcript file path for an agent.
func (t *Transcripts) Path(agentID string) string {
	return filepath.Join(t.dir, agentID+".jsonl")
}

// Appender returns the append handle for one agent, creating its writer
// on first use.
func (t *Transcripts) Appender(agentID string) *Appender {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.writers[agentID]
	if !ok {
		w = newTranscriptWriter(t.Path(agentID), t.logger)
		t.writers[agentID] = w
	}
	return &Appender{w: w}
}

// Load reads up to limit most-recent events from an agent's transcript.
// Missing files yield an empty slice; malformed lines are skipped.
func (t *Transcripts) Load(agentID string, limit int) ([]domain.Event, error) {
	f, err := os.Open(t.Path(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var events []domain.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			t.logger.Warn("skipping malformed transcript line", "agent_id", agentID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("read transcript: %w", err)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Reset truncates an agent's transcript, e.g. on conversation reset.
func (t *Transcripts) Reset(agentID string) error {
	t.mu.Lock()
	w, ok := t.writers[agentID]
	t.mu.Unlock()
	if ok {
		w.drain()
	}
	if err := os.Truncate(t.Path(agentID), 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate transcript: %w", err)
	}
	return nil
}

// Remove deletes an agent's transcript and stops its writer.
func (t *Transcripts) Remove(agentID string) error {
	t.mu.Lock()
	w, ok := t.writers[agentID]
	if ok {
		delete(t.writers, agentID)
	}
	t.mu.Unlock()
	if ok {
		w.close()
	}
	if err := os.Remove(t.Path(agentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove transcript: %w", err)
	}
	return nil
}

// Close flushes and stops all writers.
func (t *Transcripts) Close() {
	t.mu.Lock()
	writers := t.writers
	t.writers = make(map[string]*transcriptWriter)
	t.mu.Unlock()
	for _, w := range writers {
		w.close()
	}
}

// Appender appends events to one agent's transcript.
type Appender struct {
	w *transcriptWriter
}

// Append queues one event for writing. Never blocks the caller; on a
// full queue the event is dropped with a log.
func (a *Appender) Append(ev domain.Event) {
	a.w.append(ev)
}

type transcriptWriter struct {
	path   string
	logger *slog.Logger
	queue  chan domain.Event
	quit   chan struct{}
	done   chan struct{}
	idle   chan struct{} // receives when the queue has fully drained
}

func newTranscriptWriter(path string, logger *slog.Logger) *transcriptWriter {
	w := &transcriptWriter{
		path:   path,
		logger: logger,
		queue:  make(chan domain.Event, 256),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		idle:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *transcriptWriter) append(ev domain.Event) {
	select {
	case w.queue <- ev:
	case <-w.quit:
	default:
		w.logger.Warn("transcript queue full, dropping event", "path", w.path, "event_type", ev.Type)
	}
}

func (w *transcriptWriter) run() {
	defer close(w.done)
	for {
		if len(w.queue) == 0 {
			select {
			case ev := <-w.queue:
				w.write(ev)
			case w.idle <- struct{}{}:
				// A drain waiter observed an empty queue.
			case <-w.quit:
				w.flush()
				return
			}
			continue
		}
		select {
		case ev := <-w.queue:
			w.write(ev)
		case <-w.quit:
			w.flush()
			return
		}
	}
}

func (w *transcriptWriter) flush() {
	for {
		select {
		case ev := <-w.queue:
			w.write(ev)
		default:
			return
		}
	}
}

func (w *transcriptWriter) write(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		w.logger.Error("marshal transcript event", "path", w.path, "error", err)
		return
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Error("open transcript", "path", w.path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		w.logger.Error("append transcript", "path", w.path, "error", err)
	}
}

// drain blocks until every queued event has been written.
func (w *transcriptWriter) drain() {
	select {
	case <-w.idle:
	case <-w.done:
	}
}

func (w *transcriptWriter) close() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	<-w.done
}
