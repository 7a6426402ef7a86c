package ptgrxml

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/grantline/grantline/pkg/errors"
)

func writeTestArchive(t *testing.T, members map[string]string) string {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "ipg20240102.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestWalkArchiveMembers(t *testing.T) {
	t.Parallel()

	const grant = `<us-patent-grant>
  <publication-reference><document-id><doc-number>US10000003B2</doc-number></document-id></publication-reference>
</us-patent-grant>`

	path := writeTestArchive(t, map[string]string{
		"ipg20240102.xml": grant,
		"SUPP/INDEX.XML":  "<index/>",
		"readme.txt":      "not xml",
	})

	var names []string
	err := WalkArchiveMembers(path, func(name string, r io.Reader) error {
		names = append(names, name)
		_, err := io.ReadAll(r)
		return err
	})
	require.NoError(t, err)
	// XML members only, regardless of suffix case.
	assert.ElementsMatch(t, []string{"ipg20240102.xml", "SUPP/INDEX.XML"}, names)
}

func TestWalkArchiveMembers_CallbackError(t *testing.T) {
	t.Parallel()

	path := writeTestArchive(t, map[string]string{"a.xml": "<a/>", "b.xml": "<b/>"})

	sentinel := errors.New("stop here")
	calls := 0
	err := WalkArchiveMembers(path, func(string, io.Reader) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestWalkArchiveMembers_NotAnArchive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	err := WalkArchiveMembers(path, func(string, io.Reader) error { return nil })
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeArchiveInvalid))
}
