package pps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Recorder persists captured policy requests
type Recorder interface {
	Append(*Record) error
}

// Store is an append-only JSON-Lines capture log. Each Record is written as one
// line with a single write call while holding the store lock, so concurrent
// appends never interleave. The backing file is opened on the first Append and
// created if it does not exist.
type Store struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewStore returns a Store writing to the file at path
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("capture store path must not be empty")
	}
	return &Store{path: path}, nil
}

// Path returns the path of the capture log
func (s *Store) Path() string {
	return s.path
}

// Append writes r as a single JSON line. If the log cannot be opened the next
// Append tries again.
func (s *Store) Append(r *Record) error {
	if r == nil {
		return nil
	}
	l, err := r.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	l = append(l, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("failed to create capture directory: %w", err)
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open capture log: %w", err)
		}
		s.f = f
	}
	if _, err := s.f.Write(l); err != nil {
		return fmt.Errorf("failed to write capture log: %w", err)
	}
	return nil
}

// Close closes the backing file
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReadAll returns the raw lines of a capture log in file order, without their
// line terminators. It does not coordinate with concurrent writers.
func ReadAll(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return readLines(f)
}

func readLines(rd io.Reader) ([]string, error) {
	var lines []string
	br := bufio.NewReader(rd)
	for {
		l, err := br.ReadString('\n')
		if l != "" {
			if l[len(l)-1] == '\n' {
				l = l[:len(l)-1]
			}
			if n := len(l); n > 0 && l[n-1] == '\r' {
				l = l[:n-1]
			}
			lines = append(lines, l)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return lines, err
		}
	}
}
