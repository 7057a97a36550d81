// Package dirpick implements the directory operations behind the
// directory-picker control commands.
package dirpick

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ashureev/middleman/internal/protocol"
)

// Picker delegates the native directory-picker dialog to the desktop
// shell. A nil picker means no shell is attached.
type Picker interface {
	PickDirectory(ctx context.Context, defaultPath string) (path string, cancelled bool, err error)
}

// ListDirectories returns the subdirectories of path, sorted by name.
// An empty path lists the user's home directory. Hidden entries are
// skipped.
func ListDirectories(path string) (string, []protocol.DirEntry, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", nil, fmt.Errorf("resolve home: %w", err)
		}
		path = home
	}
	path = filepath.Clean(path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return path, nil, fmt.Errorf("read dir %s: %w", path, err)
	}

	var dirs []protocol.DirEntry
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dirs = append(dirs, protocol.DirEntry{
			Name: entry.Name(),
			Path: filepath.Join(path, entry.Name()),
		})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	return path, dirs, nil
}

// ValidateDirectory checks that path is an absolute, existing, readable
// directory. Returns a human-readable reason when invalid.
func ValidateDirectory(path string) (bool, string) {
	if path == "" {
		return false, "path is empty"
	}
	if !filepath.IsAbs(path) {
		return false, "path is not absolute"
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, "directory does not exist"
		}
		return false, err.Error()
	}
	if !info.IsDir() {
		return false, "path is not a directory"
	}
	if _, err := os.ReadDir(path); err != nil {
		return false, "directory is not readable"
	}
	return true, ""
}
