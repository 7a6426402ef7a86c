// Package repositories provides the PostgreSQL-backed implementations of the
// domain storage ports. Every method takes a context for cancellation and
// uses parameterised queries exclusively.
package repositories

// nullable maps the empty string to SQL NULL, for optional text columns.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
