package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chorehouse/migrate/internal/fsutil"
)

const (
	defaultWidth   = 3
	timestampWidth = len("20060102150405")
)

// now is swapped in tests.
var now = time.Now

const unitTemplate = `-- %s
--
-- Runs in one transaction together with its row in the migrations table.
-- To manage the transaction yourself, start the file with BEGIN and end it
-- with COMMIT, and insert the ledger row before committing.
`

// createUnit writes an empty migration file with the next version and
// returns its path. Versions keep the width already used in dir.
func createUnit(dir, name string, timestamp bool) (string, error) {
	name = sanitize(name)
	if name == "" {
		return "", errors.New("migration name is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	version, err := nextVersion(dir, timestamp)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, version+"_"+name+".sql")
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, unitTemplate, version+"_"+name); err != nil {
		return "", err
	}
	return p, nil
}

func nextVersion(dir string, timestamp bool) (string, error) {
	entries, err := fsutil.ScanDir(dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	width := defaultWidth
	if timestamp {
		width = timestampWidth
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1].Version
		if timestamp && len(last) != timestampWidth {
			return "", fmt.Errorf("existing versions are %d digits wide, a timestamp version would break ordering", len(last))
		}
		width = len(last)
		if !timestamp {
			n, err := strconv.ParseUint(last, 10, 64)
			if err != nil {
				return "", err
			}
			next := strconv.FormatUint(n+1, 10)
			if len(next) > width {
				return "", fmt.Errorf("version %s does not fit in %d digits", next, width)
			}
			return strings.Repeat("0", width-len(next)) + next, nil
		}
	}
	if timestamp {
		v := now().UTC().Format("20060102150405")
		if len(entries) > 0 && v <= entries[len(entries)-1].Version {
			return "", fmt.Errorf("timestamp %s is not after the newest version %s", v, entries[len(entries)-1].Version)
		}
		return v, nil
	}
	return fmt.Sprintf("%0*d", width, 1), nil
}

var nameRe = regexp.MustCompile(`[^a-z0-9_]+`)

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	s = nameRe.ReplaceAllString(s, "")
	return strings.Trim(s, "_")
}
