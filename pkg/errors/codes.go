package errors

import "strings"

// ErrorCode is a string representation of a specific error condition.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Subsystem returns the prefix before the first underscore ("DL" for
// "DL_002"). It is used as a low-cardinality metric/log label.
func (c ErrorCode) Subsystem() string {
	if i := strings.IndexByte(string(c), '_'); i > 0 {
		return string(c[:i])
	}
	return string(c)
}

// Sentinel codes used by the inspection helpers.
const (
	CodeOK      ErrorCode = "OK"
	CodeUnknown ErrorCode = "UNKNOWN"
)

// Configuration errors.
const (
	ErrCodeConfigInvalid ErrorCode = "CFG_001"
	ErrCodeConfigMissing ErrorCode = "CFG_002"
)

// Batch discovery and download errors.
const (
	ErrCodeDiscoveryFailed  ErrorCode = "DL_001"
	ErrCodeDownloadFailed   ErrorCode = "DL_002"
	ErrCodeArchiveInvalid   ErrorCode = "DL_003"
	ErrCodeStateFileInvalid ErrorCode = "DL_004"
)

// Patent XML parsing errors.
const (
	ErrCodeXMLMalformed    ErrorCode = "PARSE_001"
	ErrCodeDocumentInvalid ErrorCode = "PARSE_002"
)

// Relational store errors.
const (
	ErrCodeDBConnection  ErrorCode = "DB_001"
	ErrCodeDBMigration   ErrorCode = "DB_002"
	ErrCodeDBQuery       ErrorCode = "DB_003"
	ErrCodeDBTransaction ErrorCode = "DB_004"
)

// Lexical index errors.
const (
	ErrCodeIndexCreate ErrorCode = "IDX_001"
	ErrCodeIndexWrite  ErrorCode = "IDX_002"
	ErrCodeIndexSearch ErrorCode = "IDX_003"
)

// Embedding provider errors.
const (
	ErrCodeEmbeddingFailed    ErrorCode = "EMB_001"
	ErrCodeEmbeddingDimension ErrorCode = "EMB_002"
	ErrCodeEmbeddingCache     ErrorCode = "EMB_003"
)

// Retrieval pipeline errors.
const (
	ErrCodeSearchInvalidParam ErrorCode = "SRCH_001"
	ErrCodeSearchFailed       ErrorCode = "SRCH_002"
)

// Internal invariant violations.
const (
	ErrCodeInternal ErrorCode = "INT_001"
)
