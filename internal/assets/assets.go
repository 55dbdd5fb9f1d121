// Package assets is the contract to the uploaded-asset storage
// collaborator, consumed only by the sweeper.
package assets

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// Asset is one stored upload.
type Asset struct {
	ID        string
	CreatedAt time.Time
}

type Storage interface {
	ListAll(ctx context.Context) ([]Asset, error)
	Delete(ctx context.Context, id string) error
}

// Dir is a filesystem-backed Storage where the asset id is the file
// name inside a single upload directory.
type Dir struct {
	Path string
}

func (d Dir) ListAll(ctx context.Context) ([]Asset, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, err
	}
	out := make([]Asset, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, Asset{ID: e.Name(), CreatedAt: info.ModTime()})
	}
	return out, nil
}

func (d Dir) Delete(ctx context.Context, id string) error {
	return os.Remove(filepath.Join(d.Path, filepath.Base(id)))
}
