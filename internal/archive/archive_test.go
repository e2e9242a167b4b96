package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/plotviz/engine/pkg/errors"
)

type zipFile struct {
	name string
	body string
}

func buildZip(t *testing.T, files ...zipFile) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		require.NoError(t, err)
		if f.body != "" {
			_, err = w.Write([]byte(f.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return bytes.NewReader(buf.Bytes())
}

func names(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestExtractFollowsManifestOrder(t *testing.T) {
	r := buildZip(t,
		zipFile{"data/", ""},
		zipFile{"data/b.xml", "B"},
		zipFile{"data/a.xml", "A"},
		zipFile{"series.index", "a.xml\nb.xml\n"},
	)

	entries, err := Extract(r, r.Size())
	require.NoError(t, err)
	require.Equal(t, []string{"a.xml", "b.xml"}, names(entries))
	for i, e := range entries {
		require.Equal(t, i, e.Sequence)
	}

	rc, err := entries[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "A", string(body))
}

func TestExtractSkipsUnmatchedLinesAndKeepsDuplicates(t *testing.T) {
	r := buildZip(t,
		zipFile{"a.xml", "A"},
		zipFile{"b.xml", "B"},
		zipFile{"order.index", "missing.xml\r\nb.xml\r\n\r\nb.xml\r\na.xml"},
	)

	entries, err := Extract(r, r.Size())
	require.NoError(t, err)
	require.Equal(t, []string{"b.xml", "b.xml", "a.xml"}, names(entries))
	require.Equal(t, 2, entries[2].Sequence)
}

func TestExtractConcatenatesManifests(t *testing.T) {
	r := buildZip(t,
		zipFile{"one.index", "b.xml"},
		zipFile{"a.xml", "A"},
		zipFile{"b.xml", "B"},
		zipFile{"two.index", "a.xml"},
	)

	entries, err := Extract(r, r.Size())
	require.NoError(t, err)
	require.Equal(t, []string{"b.xml", "a.xml"}, names(entries))
}

func TestExtractLaterBaseNameWins(t *testing.T) {
	r := buildZip(t,
		zipFile{"x/a.xml", "first"},
		zipFile{"y/a.xml", "second"},
		zipFile{"i.index", "a.xml"},
	)

	entries, err := Extract(r, r.Size())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	rc, err := entries[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "second", string(body))
}

func TestExtractWithoutManifest(t *testing.T) {
	r := buildZip(t, zipFile{"a.xml", "A"})

	entries, err := Extract(r, r.Size())
	require.ErrorIs(t, err, ErrNoManifest)
	require.NotNil(t, entries)
	require.Empty(t, entries)
}

func TestExtractCorruptArchive(t *testing.T) {
	r := bytes.NewReader([]byte("definitely not a zip"))

	_, err := Extract(r, r.Size())
	require.Error(t, err)
	require.True(t, apperrors.IsCode(err, apperrors.CodeArchiveCorrupt))
}
