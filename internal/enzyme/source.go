package enzyme

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// #region types

// Entry is one raw record from the corpus source, keyed by enzyme identifier.
type Entry struct {
	Key string
	Raw map[string]any
}

// SourceStats counts what the source filter dropped.
type SourceStats struct {
	Total            int `json:"total"`
	MissingStructure int `json:"missing_structure"`
	MissingStability int `json:"missing_stability"`
	NotAnObject      int `json:"not_an_object"`
}

// #endregion types

// #region load

// LoadSource reads the keyed record file and keeps only entries with a
// predicted structure at {structuresDir}/{key}.pdb and a non-null orig_stab.
// Entries are returned in key order so corpus construction is reproducible.
func LoadSource(recordsPath, structuresDir string) ([]Entry, SourceStats, error) {
	data, err := os.ReadFile(recordsPath)
	if err != nil {
		return nil, SourceStats{}, fmt.Errorf("read records %s: %w", recordsPath, err)
	}
	var keyed map[string]any
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, SourceStats{}, fmt.Errorf("parse records %s: %w", recordsPath, err)
	}

	structures, err := listStructures(structuresDir)
	if err != nil {
		return nil, SourceStats{}, err
	}

	return FilterSource(keyed, structures)
}

// FilterSource applies the structure and stability filters to already-decoded records.
func FilterSource(keyed map[string]any, structures map[string]bool) ([]Entry, SourceStats, error) {
	keys := make([]string, 0, len(keyed))
	for k := range keyed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stats := SourceStats{Total: len(keys)}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		raw, ok := keyed[k].(map[string]any)
		if !ok {
			stats.NotAnObject++
			continue
		}
		if !structures[k+".pdb"] {
			stats.MissingStructure++
			continue
		}
		if raw["orig_stab"] == nil {
			stats.MissingStability++
			continue
		}
		entries = append(entries, Entry{Key: k, Raw: raw})
	}
	return entries, stats, nil
}

func listStructures(dir string) (map[string]bool, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list structures %s: %w", dir, err)
	}
	out := make(map[string]bool, len(des))
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		out[filepath.Base(de.Name())] = true
	}
	return out, nil
}

// #endregion load
