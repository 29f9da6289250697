package qbextract

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/Lianghan-Zhang/ecse-test/pkg/richcatalog"
)

// File is one workload query file.
type File struct {
	Name string `json:"name"`
	SQL  string `json:"sql"`
}

// LoadWorkload reads the *.sql files directly under dir, sorted by name.
func LoadWorkload(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read workload dir")
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".sql") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", e.Name())
		}
		files = append(files, File{Name: e.Name(), SQL: string(b)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// FromMap turns name -> SQL pairs into files sorted by name.
func FromMap(queries map[string]string) []File {
	files := make([]File, 0, len(queries))
	for name, sql := range queries {
		files = append(files, File{Name: name, SQL: sql})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// ExtractAll runs Extract over every file. A file that fails to parse is
// reported in the returned error and skipped; the others are still extracted.
func ExtractAll(files []File, m *richcatalog.Meta) ([]QueryBlock, []string, error) {
	var (
		qbs      []QueryBlock
		warnings []string
		errs     error
	)
	for _, f := range files {
		if strings.TrimSpace(f.SQL) == "" {
			warnings = append(warnings, f.Name+": empty file")
			continue
		}
		got, warns, err := Extract(f.Name, f.SQL, m)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		qbs = append(qbs, got...)
		warnings = append(warnings, warns...)
	}
	return qbs, warnings, errs
}
