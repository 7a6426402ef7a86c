package ptgrxml

import (
	"archive/zip"
	"io"
	"strings"

	apperrors "github.com/grantline/grantline/pkg/errors"
)

// WalkArchiveMembers opens the weekly archive at zipPath and invokes fn for
// each XML member with a reader over its uncompressed content. Non-XML
// members are ignored. Iteration stops at the first fn error, which is
// returned unchanged.
func WalkArchiveMembers(zipPath string, fn func(name string, r io.Reader) error) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrCodeArchiveInvalid, "open archive %s failed", zipPath)
	}
	defer zr.Close() //nolint:errcheck

	for _, member := range zr.File {
		if !strings.HasSuffix(strings.ToLower(member.Name), ".xml") {
			continue
		}
		rc, err := member.Open()
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrCodeArchiveInvalid,
				"open archive member %s failed", member.Name)
		}
		ferr := fn(member.Name, rc)
		if cerr := rc.Close(); ferr == nil && cerr != nil {
			ferr = apperrors.Wrapf(cerr, apperrors.ErrCodeArchiveInvalid,
				"close archive member %s failed", member.Name)
		}
		if ferr != nil {
			return ferr
		}
	}
	return nil
}
