package manifest

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
)

// ResolvedScript is a [[script]] entry checked against the file system.
type ResolvedScript struct {
	URL      string // slash-separated path relative to the manifest directory
	Priority int
	Cache    bool
}

// ResolveScripts checks every [[script]] entry and returns them in load
// order: highest priority first, then file order. Absolute paths and paths
// escaping the manifest directory are rejected, as are duplicates.
func (m *Manifest) ResolveScripts(fsys fs.FS) ([]ResolvedScript, error) {
	seen := make(map[string]bool)
	order := make([]ResolvedScript, 0, len(m.Scripts))
	for i, s := range m.Scripts {
		if s.Path == "" {
			return nil, fmt.Errorf("script %d has no path", i+1)
		}
		if filepath.IsAbs(s.Path) {
			return nil, fmt.Errorf("script %q: path must be relative to %s", s.Path, m.Dir)
		}
		url := path.Clean(filepath.ToSlash(s.Path))
		if !fs.ValidPath(url) {
			return nil, fmt.Errorf("script %q: path escapes %s", s.Path, m.Dir)
		}
		if seen[url] {
			return nil, fmt.Errorf("script %q listed twice", s.Path)
		}
		seen[url] = true

		// Verify it exists
		if _, err := fs.Stat(fsys, url); err != nil {
			return nil, fmt.Errorf("script %q not found: %w", s.Path, err)
		}
		order = append(order, ResolvedScript{URL: url, Priority: s.Priority, Cache: s.Cache})
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].Priority > order[j].Priority })
	return order, nil
}
