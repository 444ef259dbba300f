package offsets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileStore keeps one JSON file per task under a directory. Writes go
// through a temp file and rename so a crash never leaves a truncated
// record behind.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create offsets dir %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(taskName string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_offsets.json", taskName))
}

func (s *FileStore) Load(ctx context.Context, taskName string) (*Committed, error) {
	f, err := os.Open(s.path(taskName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open offsets for %s", taskName)
	}
	defer f.Close()

	var c Committed
	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return nil, errors.Wrapf(err, "decode offsets for %s", taskName)
	}
	return &c, nil
}

func (s *FileStore) Save(ctx context.Context, c Committed) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal offsets")
	}

	tmp := s.path(c.TaskName) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write offsets for %s", c.TaskName)
	}
	if err := os.Rename(tmp, s.path(c.TaskName)); err != nil {
		return errors.Wrapf(err, "rename offsets for %s", c.TaskName)
	}
	return nil
}

func (s *FileStore) Clear(ctx context.Context, taskName string) error {
	err := os.Remove(s.path(taskName))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "clear offsets for %s", taskName)
}
