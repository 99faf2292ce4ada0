package migrator

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/chorehouse/migrate/internal/checksum"
	"github.com/chorehouse/migrate/internal/fsutil"
)

// Repository lists migration units in ascending version order.
type Repository interface {
	ListUnits(ctx context.Context) ([]Unit, error)
}

// FileSource reads units from a directory on disk, or from FS when it is set
// (an embed.FS, for instance).
type FileSource struct {
	FS      fs.FS // nil means local disk
	RootDir string
}

func (s FileSource) ListUnits(ctx context.Context) ([]Unit, error) {
	var entries []fsutil.Entry
	var err error
	if s.FS != nil {
		entries, err = fsutil.ScanFS(s.FS, s.RootDir)
	} else {
		entries, err = fsutil.ScanDir(s.RootDir)
	}
	if err != nil {
		return nil, &RepositoryError{Path: s.RootDir, Err: err}
	}
	units := make([]Unit, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var body []byte
		if s.FS != nil {
			body, err = fs.ReadFile(s.FS, e.Path)
		} else {
			body, err = os.ReadFile(e.Path)
		}
		if err != nil {
			return nil, &RepositoryError{Path: e.Path, Err: err}
		}
		units = append(units, Unit{
			Version:           e.Version,
			Name:              e.Name,
			Path:              e.Path,
			Body:              body,
			Checksum:          checksum.Of(body),
			SelfTransactional: selfTransactional(body),
		})
	}
	return units, nil
}

var (
	beginRe  = regexp.MustCompile(`(?i)^(BEGIN|START\s+TRANSACTION)(\s+(TRANSACTION|WORK))?\s*;?$`)
	commitRe = regexp.MustCompile(`(?i)^(COMMIT|END)(\s+(TRANSACTION|WORK))?\s*;?$`)
)

// selfTransactional reports whether the first statement line opens a
// transaction and the last one commits it. Blank lines and whole-line "--"
// comments are ignored; block comments are not understood.
func selfTransactional(body []byte) bool {
	lines := significantLines(body)
	if len(lines) < 2 {
		return false
	}
	return beginRe.MatchString(lines[0]) && commitRe.MatchString(lines[len(lines)-1])
}

// blank reports whether a body holds nothing but whitespace and comments.
func blank(body []byte) bool { return len(significantLines(body)) == 0 }

func significantLines(body []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), len(body)+1)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		out = append(out, line)
	}
	return out
}
