package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"egressfleet/internal/fleet/model"
	"egressfleet/pkg/utils/logger"

	"go.uber.org/zap"
)

const DefaultFileDir = "/var/lib/egressfleet/instances"

// FileStore keeps records as <dir>/<id>.json.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = DefaultFileDir
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create record dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the record atomically.
func (s *FileStore) Save(ctx context.Context, inst *model.Instance) error {
	data, err := encode(inst)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+inst.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write record %s: %w", inst.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close record %s: %w", inst.ID, err)
	}
	if err := os.Rename(tmpName, s.path(inst.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit record %s: %w", inst.ID, err)
	}
	return nil
}

// Delete removes the record; a missing record is not an error.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*model.Instance, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	return decode(id, data)
}

// List returns every decodable record sorted by id. Corrupt files are logged
// and skipped.
func (s *FileStore) List(ctx context.Context) ([]*model.Instance, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]*model.Instance, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		inst, err := s.Load(ctx, id)
		if err != nil {
			logger.Warn(ctx, "skip unreadable instance record", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*FileStore)(nil)
