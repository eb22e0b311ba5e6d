package training

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogRoot is the directory holding one subdirectory per run.
const DefaultLogRoot = "logs/fit"

// DeriveRunLogPath returns root/{runID}_run_{N}, where N is one more than the
// number of entries currently in root. root is created if missing; the run
// directory itself is not.
//
// The count is not atomic: two runs deriving at the same time can get the
// same N.
func DeriveRunLogPath(root, runID string) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create log root: %w", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("read log root: %w", err)
	}
	return filepath.Join(root, fmt.Sprintf("%s_run_%d", runID, len(entries)+1)), nil
}
