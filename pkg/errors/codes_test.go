package errors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grantline/grantline/pkg/errors"
)

func TestErrorCode_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "DL_002", errors.ErrCodeDownloadFailed.String())
	assert.Equal(t, "EMB_002", errors.ErrCodeEmbeddingDimension.String())
	assert.Equal(t, "OK", errors.CodeOK.String())
}

func TestErrorCode_Subsystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code errors.ErrorCode
		want string
	}{
		{errors.ErrCodeConfigInvalid, "CFG"},
		{errors.ErrCodeDiscoveryFailed, "DL"},
		{errors.ErrCodeXMLMalformed, "PARSE"},
		{errors.ErrCodeDBTransaction, "DB"},
		{errors.ErrCodeIndexCreate, "IDX"},
		{errors.ErrCodeEmbeddingFailed, "EMB"},
		{errors.ErrCodeSearchInvalidParam, "SRCH"},
		{errors.ErrCodeInternal, "INT"},
		{errors.CodeUnknown, "UNKNOWN"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.code.Subsystem(), "code %s", tc.code)
	}
}
