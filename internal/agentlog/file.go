package agentlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tjfontaine/query-tracer/internal/storage"
	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// DefaultPath is where the file store keeps its log unless configured.
const DefaultPath = "trace_log.json"

// timestamp layouts accepted when reading; zone-less values are UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// FileStore keeps the interaction log as a JSON array in a single file,
// rewritten atomically on every change.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ storage.InteractionLog = (*FileStore)(nil)

// NewFileStore returns a store backed by path. The file is created on the
// first append.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultPath
	}
	return &FileStore{path: path}
}

// Path returns the file location.
func (s *FileStore) Path() string {
	return s.path
}

type fileEntry struct {
	Index    int    `json:"index"`
	Query    string `json:"query"`
	Response string `json:"response,omitempty"`
	Start    string `json:"start_utc"`
	End      string `json:"end_utc"`
	RunID    string `json:"run_id,omitempty"`
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func (s *FileStore) read() ([]tracer.Interaction, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []tracer.Interaction{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read interaction log: %w", err)
	}

	var entries []fileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode interaction log %s: %w", s.path, err)
	}

	out := make([]tracer.Interaction, 0, len(entries))
	for i, e := range entries {
		start, err := parseTime(e.Start)
		if err != nil {
			return nil, fmt.Errorf("entry %d start: %w", i, err)
		}
		end, err := parseTime(e.End)
		if err != nil {
			return nil, fmt.Errorf("entry %d end: %w", i, err)
		}
		out = append(out, tracer.Interaction{
			Index:    e.Index,
			Prompt:   e.Query,
			Response: e.Response,
			Start:    start,
			End:      end,
			RunID:    e.RunID,
		})
	}
	return out, nil
}

func (s *FileStore) write(list []tracer.Interaction) error {
	entries := make([]fileEntry, len(list))
	for i, in := range list {
		entries[i] = fileEntry{
			Index:    in.Index,
			Query:    in.Prompt,
			Response: in.Response,
			Start:    in.Start.UTC().Format(time.RFC3339Nano),
			End:      in.End.UTC().Format(time.RFC3339Nano),
			RunID:    in.RunID,
		}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode interaction log: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".trace_log-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp log: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp log: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace interaction log: %w", err)
	}
	return nil
}

func (s *FileStore) Append(ctx context.Context, in tracer.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read()
	if err != nil {
		return err
	}
	return s.write(append(list, in))
}

func (s *FileStore) List(ctx context.Context) ([]tracer.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read()
}

// Clear removes the log file.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove interaction log: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
