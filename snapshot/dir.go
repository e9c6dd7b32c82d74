package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Dir serves snapshot files as a cache fallback.
type Dir struct {
	root  string
	files map[string]string
}

// Open prepares dir for lookups. When a build-info manifest is present only
// files fetched from the API are served; files that fell back to their
// default body are skipped so callers still see the real error. Without a
// manifest every file in files that exists is served.
func Open(dir string, files ...File) (*Dir, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open snapshot dir: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("open snapshot dir: %s is not a directory", dir)
	}
	if len(files) == 0 {
		files = DefaultFiles
	}

	skip := map[string]bool{}
	info, err := ReadBuildInfo(dir)
	switch {
	case err == nil:
		for _, fi := range info.Files {
			if fi.Source != SourceAPI {
				skip[fi.Name] = true
			}
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	d := &Dir{root: dir, files: make(map[string]string, len(files))}
	for _, f := range files {
		if f.CacheKey == "" || skip[f.Name] {
			continue
		}
		d.files[f.CacheKey] = f.Name
	}
	return d, nil
}

// Root returns the snapshot directory.
func (d *Dir) Root() string { return d.root }

// Lookup returns the snapshot body for a cache key.
func (d *Dir) Lookup(_ context.Context, key string) ([]byte, bool, error) {
	name, ok := d.files[key]
	if !ok {
		return nil, false, nil
	}
	body, err := os.ReadFile(filepath.Join(d.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}
