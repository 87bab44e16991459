package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	settingsFile = "settings.yaml"
	logFile      = "stats.log"
	nodesFile    = "nodes.txt"
)

// FileStore keeps everything in a directory: settings as YAML, the log
// and node table one record per line.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	capacity int64
}

// NewFileStore opens (and creates) the store directory
func NewFileStore(dir string, logCapacity int64) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir, capacity: logCapacity}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *FileStore) readSettings() (map[string]string, error) {
	data, err := os.ReadFile(s.path(settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	settings := map[string]string{}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return settings, nil
}

// ReadConfig returns the stored value of key
func (s *FileStore) ReadConfig(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.readSettings()
	if err != nil {
		return "", err
	}
	v, ok := settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// WriteConfig stores value under key
func (s *FileStore) WriteConfig(ctx context.Context, key, value string) error {
	return s.WriteConfigs(ctx, map[string]string{key: value})
}

// WriteConfigs merges values into the settings file in one atomic write
func (s *FileStore) WriteConfigs(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.readSettings()
	if err != nil {
		return err
	}
	for k, v := range values {
		settings[k] = v
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path(settingsFile), data)
}

func (s *FileStore) readLines(name string) ([]string, error) {
	f, err := os.Open(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func (s *FileStore) writeLines(name string, lines []string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(s.path(name), buf.Bytes())
}

// AppendLog appends one line to the log
func (s *FileStore) AppendLog(_ context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(logFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(strings.ReplaceAll(line, "\n", " ") + "\n")
	return err
}

// ReadLog returns the most recent lines, oldest first
func (s *FileStore) ReadLog(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines(logFile)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

// PruneLog drops the n oldest lines
func (s *FileStore) PruneLog(_ context.Context, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines(logFile)
	if err != nil {
		return 0, err
	}
	if n > len(lines) {
		n = len(lines)
	}
	if n <= 0 {
		return 0, nil
	}
	if err := s.writeLines(logFile, lines[n:]); err != nil {
		return 0, err
	}
	return n, nil
}

// LogUsage counts log lines against the capacity
func (s *FileStore) LogUsage(_ context.Context) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines(logFile)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Used: int64(len(lines)), Capacity: s.capacity}, nil
}

// LoadNodes reads the node table, skipping damaged lines
func (s *FileStore) LoadNodes(_ context.Context) ([]NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines(nodesFile)
	if err != nil {
		return nil, err
	}
	records := make([]NodeRecord, 0, len(lines))
	for _, l := range lines {
		r, err := ParseNodeRecord(l)
		if err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// SaveNodes rewrites the node table
func (s *FileStore) SaveNodes(_ context.Context, records []NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, len(records))
	for i, r := range records {
		lines[i] = r.String()
	}
	return s.writeLines(nodesFile, lines)
}

// Close is a no-op
func (s *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
