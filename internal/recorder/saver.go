package recorder

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// DirSaver writes finished recordings into a directory.
type DirSaver struct {
	dir string
	log *zap.Logger
}

func NewDirSaver(dir string, log *zap.Logger) *DirSaver {
	if log == nil {
		log = zap.NewNop()
	}
	return &DirSaver{dir: dir, log: log.Named("saver")}
}

// Save writes data to a temporary file and renames it into place, so a
// partially written recording never carries the final name.
func (d *DirSaver) Save(name string, data []byte) error {
	if name != filepath.Base(name) {
		return fmt.Errorf("invalid recording name %q", name)
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create recordings dir: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write recording: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close recording: %w", err)
	}

	path := filepath.Join(d.dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename recording: %w", err)
	}
	d.log.Debug("wrote recording", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}
