// Package archive reads zip bundles whose processing order is given by an
// embedded index manifest.
package archive

import (
	"archive/zip"
	"bufio"
	"errors"
	"io"
	"path"
	"strings"

	apperrors "github.com/plotviz/engine/pkg/errors"
)

// ManifestExt is the extension that marks an entry as an index manifest.
const ManifestExt = ".index"

// ErrNoManifest is returned together with an empty entry list when the
// archive carries no index manifest.
var ErrNoManifest = errors.New("archive has no index manifest")

// Entry is one archive member selected by the manifest. Sequence is its
// position in the returned slice.
type Entry struct {
	Name     string
	Sequence int
	file     *zip.File
}

// Open returns a reader for the member bytes.
func (e Entry) Open() (io.ReadCloser, error) {
	if e.file == nil {
		return nil, apperrors.Newf(apperrors.CodeArchiveCorrupt, "entry %q has no backing file", e.Name)
	}
	rc, err := e.file.Open()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeArchiveCorrupt, "open archive entry")
	}
	return rc, nil
}

// Extract scans the archive once and returns the entries named by its
// manifest lines, in line order. Lines without a matching entry are skipped
// and duplicate lines yield duplicate entries. Several manifests concatenate
// in archive order.
func Extract(r io.ReaderAt, size int64) ([]Entry, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeArchiveCorrupt, "read archive")
	}

	var order []string
	found := false
	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		if path.Ext(f.Name) == ManifestExt {
			lines, err := readLines(f)
			if err != nil {
				return nil, err
			}
			order = append(order, lines...)
			found = true
			continue
		}
		byName[path.Base(f.Name)] = f
	}

	if !found {
		return []Entry{}, ErrNoManifest
	}

	entries := make([]Entry, 0, len(order))
	for _, line := range order {
		f, ok := byName[line]
		if !ok {
			continue
		}
		entries = append(entries, Entry{Name: line, Sequence: len(entries), file: f})
	}
	return entries, nil
}

func readLines(f *zip.File) ([]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeArchiveCorrupt, "open index manifest")
	}
	defer rc.Close()

	var lines []string
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeArchiveCorrupt, "read index manifest")
	}
	return lines, nil
}
