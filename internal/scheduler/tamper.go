package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// TamperChecker hashes a fixed set of config files (env file, key files,
// policy file) plus everything matched by a set of glob patterns (the
// prompt file hierarchy) and detects any digest change, new file, or
// vanished file across ticks — spec §4.7.
type TamperChecker struct {
	files    []string
	globs    []string
	baseline map[string]string
}

// NewTamperChecker snapshots the current digests of files and everything
// matched by globs. Call it once at startup; Check compares subsequent
// snapshots against this baseline.
func NewTamperChecker(files []string, globs []string) (*TamperChecker, error) {
	t := &TamperChecker{files: files, globs: globs}
	snapshot, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	t.baseline = snapshot
	return t, nil
}

// Check recomputes the digest snapshot and returns the set of paths whose
// digest changed, that are newly present, or that have vanished since the
// baseline. An empty result with a nil error means nothing changed.
func (t *TamperChecker) Check() ([]string, error) {
	current, err := t.snapshot()
	if err != nil {
		return nil, err
	}

	var changed []string
	for path, digest := range t.baseline {
		cur, ok := current[path]
		if !ok || cur != digest {
			changed = append(changed, path)
		}
	}
	for path := range current {
		if _, ok := t.baseline[path]; !ok {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func (t *TamperChecker) snapshot() (map[string]string, error) {
	paths := make([]string, 0, len(t.files))
	paths = append(paths, t.files...)

	for _, pattern := range t.globs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		paths = append(paths, matches...)
	}

	digests := make(map[string]string, len(paths))
	for _, path := range paths {
		digest, err := digestFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // fixed files that don't exist yet are simply absent, not an error
			}
			return nil, fmt.Errorf("digest %s: %w", path, err)
		}
		digests[path] = digest
	}
	return digests, nil
}

// digestFile returns a SHA-256 digest truncated to 16 hex characters, per
// spec §4.7.
func digestFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}
