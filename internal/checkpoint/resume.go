package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// List returns the names of cadence checkpoints under root in lexicographic
// order, which is also creation order. A missing root lists nothing.
func List(root string) ([]string, error) {
	des, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	var names []string
	for _, de := range des {
		if de.IsDir() && strings.HasPrefix(de.Name(), Prefix) {
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Latest returns the path of the lexicographically greatest checkpoint under root.
func Latest(root string) (string, error) {
	names, err := List(root)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%s: %w", root, ErrNoCheckpoint)
	}
	return filepath.Join(root, names[len(names)-1]), nil
}

// LoadMetadata reads trainer_state.json from a checkpoint directory.
func LoadMetadata(dir string) (Metadata, error) {
	b, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		return Metadata{}, fmt.Errorf("read trainer state: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse trainer state: %w", err)
	}
	return meta, nil
}
