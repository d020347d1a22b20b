package protocol

import (
	"fmt"
	"regexp"
)

// identifierRe matches valid session and device identifiers: UUIDs,
// hostnames, and slugs. Identifiers are interpolated into URLs, so
// anything outside this set is rejected before a request is built.
var identifierRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

const maxIdentifierLen = 253

// ValidateIdentifier checks that a session or device identifier is
// safe to place in a request path.
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("empty %s", field)
	}
	if len(value) > maxIdentifierLen {
		return fmt.Errorf("%s too long (%d chars, max %d)", field, len(value), maxIdentifierLen)
	}
	if !identifierRe.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}

// ValidateResize rejects terminal dimensions outside the range real
// terminals produce. Zero or enormous values wedge remote PTYs.
func ValidateResize(cols, rows int) error {
	if cols < 1 || cols > 1000 {
		return fmt.Errorf("invalid cols: %d", cols)
	}
	if rows < 1 || rows > 1000 {
		return fmt.Errorf("invalid rows: %d", rows)
	}
	return nil
}
