// Package tenant validates the identifiers that scope every stored record.
//
// A client id names a tenant (a contractor account). It is checked against
// ClientIDPattern before any storage call is made with it.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Common errors.
var (
	ErrMissingClientID   = errors.New("client ID required")
	ErrInvalidClientID   = errors.New("invalid client ID")
	ErrInvalidJobID      = errors.New("invalid job ID")
	ErrInvalidSourcePath = errors.New("invalid source path")
)

// ClientIDPattern is the accepted shape of a client id.
var ClientIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,50}$`)

var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

const maxSourcePathLen = 1024

// ValidateClientID returns ErrMissingClientID for an empty id and
// ErrInvalidClientID for one that does not match ClientIDPattern.
func ValidateClientID(clientID string) error {
	if clientID == "" {
		return ErrMissingClientID
	}
	if !ClientIDPattern.MatchString(clientID) {
		return fmt.Errorf("%w: %q", ErrInvalidClientID, truncate(clientID, 64))
	}
	return nil
}

// ValidateJobID accepts an empty job id (tenant-wide records).
func ValidateJobID(jobID string) error {
	if jobID == "" {
		return nil
	}
	if !jobIDPattern.MatchString(jobID) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, truncate(jobID, 64))
	}
	return nil
}

// ValidateSourcePath requires a non-empty, printable path without traversal segments.
func ValidateSourcePath(path string) error {
	switch {
	case strings.TrimSpace(path) == "":
		return fmt.Errorf("%w: empty", ErrInvalidSourcePath)
	case len(path) > maxSourcePathLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSourcePath, maxSourcePathLen)
	case !utf8.ValidString(path):
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidSourcePath)
	case strings.ContainsAny(path, "\x00\r\n"):
		return fmt.Errorf("%w: control characters", ErrInvalidSourcePath)
	}
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return fmt.Errorf("%w: parent directory segment", ErrInvalidSourcePath)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
