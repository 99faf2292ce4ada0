package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
)

// A migration file is NNN_name.sql; the legacy NNN_name.up.sql spelling is
// accepted too. Down files are ignored.
var fileRe = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+?)(\.up)?\.sql$`)

var downRe = regexp.MustCompile(`\.down\.sql$`)

type Entry struct {
	Version string
	Name    string
	Path    string // path in fs, or on disk for ScanDir
}

// DuplicateVersionError reports two files claiming the same version.
type DuplicateVersionError struct {
	Version string
	First   string
	Second  string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("duplicate version %s: %s and %s", e.Version, e.First, e.Second)
}

// VersionWidthError reports versions of differing width, which would make
// lexical order disagree with numeric order.
type VersionWidthError struct {
	Version string
	Want    int
}

func (e *VersionWidthError) Error() string {
	return fmt.Sprintf("version %s is %d digits wide, expected %d (zero-pad versions to a fixed width)", e.Version, len(e.Version), e.Want)
}

// ScanDir scans a local directory on disk.
func ScanDir(dir string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	return scan(entries, func(name string) string { return filepath.Join(dir, name) })
}

// ScanFS scans an fs.FS (usually an embed.FS) under a root dir path.
func ScanFS(fsys fs.FS, root string) ([]Entry, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, err
	}
	return scan(entries, func(name string) string { return path.Join(root, name) })
}

// Match splits a file name into version and name. ok is false for files that
// are not migrations.
func Match(fileName string) (version, name string, ok bool) {
	if downRe.MatchString(fileName) {
		return "", "", false
	}
	m := fileRe.FindStringSubmatch(fileName)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func scan(entries []fs.DirEntry, full func(name string) string) ([]Entry, error) {
	byVersion := map[string]Entry{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, ok := Match(e.Name())
		if !ok {
			continue
		}
		p := full(e.Name())
		if prev, dup := byVersion[version]; dup {
			return nil, &DuplicateVersionError{Version: version, First: prev.Path, Second: p}
		}
		byVersion[version] = Entry{Version: version, Name: name, Path: p}
	}
	out := make([]Entry, 0, len(byVersion))
	for _, e := range byVersion {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if len(out) > 0 {
		width := len(out[0].Version)
		for _, e := range out[1:] {
			if len(e.Version) != width {
				return nil, &VersionWidthError{Version: e.Version, Want: width}
			}
		}
	}
	return out, nil
}
