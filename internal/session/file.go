package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps sessions in one JSON object on disk, rewritten on every Put.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Get(ctx context.Context, address string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.read()
	if err != nil {
		return "", false, err
	}
	id, ok := sessions[address]
	return id, ok, nil
}

func (s *FileStore) Put(ctx context.Context, address string, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.read()
	if err != nil {
		// an unreadable file is replaced rather than blocking new sessions forever
		sessions = map[string]string{}
	}
	sessions[address] = sessionID
	return s.write(sessions)
}

func (s *FileStore) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	sessions := map[string]string{}
	if len(data) == 0 {
		return sessions, nil
	}
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	return sessions, nil
}

func (s *FileStore) write(sessions map[string]string) error {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}
