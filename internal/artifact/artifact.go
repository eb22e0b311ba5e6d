// Package artifact persists trained weights after a successful run.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// WeightsSaver is the part of a model that can write its weights to a file.
type WeightsSaver interface {
	SaveWeights(path string) error
}

// Location describes where a weights file ended up.
type Location struct {
	Path string // local file
	URI  string // remote copy, empty when not mirrored
}

// String returns the remote URI when present, else the local path.
func (l Location) String() string {
	if l.URI != "" {
		return l.URI
	}
	return l.Path
}

// Store saves the weights of a finished run.
type Store interface {
	SaveWeights(ctx context.Context, run string, m WeightsSaver) (Location, error)
}

// WeightsFileName returns the file name used for a run's weights.
func WeightsFileName(run string) string {
	return run + "_weights.json"
}

// LocalStore writes weights to {Dir}/{run}_weights.json.
type LocalStore struct {
	Dir string
}

// SaveWeights writes the weights file, creating Dir if needed.
func (s LocalStore) SaveWeights(_ context.Context, run string, m WeightsSaver) (Location, error) {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Location{}, fmt.Errorf("create weights dir: %w", err)
	}
	path := filepath.Join(dir, WeightsFileName(run))
	if err := m.SaveWeights(path); err != nil {
		return Location{}, fmt.Errorf("save weights: %w", err)
	}
	return Location{Path: path}, nil
}
