package tenant

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateClientID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{"simple", "acme_co", nil},
		{"min length", "abc", nil},
		{"max length", strings.Repeat("a", 50), nil},
		{"digits and caps", "Client_007", nil},
		{"empty", "", ErrMissingClientID},
		{"too short", "ab", ErrInvalidClientID},
		{"too long", strings.Repeat("a", 51), ErrInvalidClientID},
		{"hyphen", "acme-co", ErrInvalidClientID},
		{"space", "acme co", ErrInvalidClientID},
		{"sql", "acme'; DROP TABLE x;--", ErrInvalidClientID},
		{"path", "../other_co", ErrInvalidClientID},
		{"unicode", "acmé_co", ErrInvalidClientID},
		{"trailing newline", "acme_co\n", ErrInvalidClientID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateClientID(tt.id)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateJobID(t *testing.T) {
	assert.NoError(t, ValidateJobID(""))
	assert.NoError(t, ValidateJobID("job-2024_17"))
	assert.ErrorIs(t, ValidateJobID("job/1"), ErrInvalidJobID)
	assert.ErrorIs(t, ValidateJobID(strings.Repeat("j", 65)), ErrInvalidJobID)
}

func TestValidateSourcePath(t *testing.T) {
	assert.NoError(t, ValidateSourcePath("plans/kitchen remodel/sheet-A1.pdf"))
	assert.NoError(t, ValidateSourcePath("calls/2024-05-01.txt"))
	assert.NoError(t, ValidateSourcePath("notes..v2.txt"))

	for _, bad := range []string{"", "   ", "../etc/passwd", "a/../../b", "a\x00b", "line\nbreak", strings.Repeat("p", 1025)} {
		assert.ErrorIs(t, ValidateSourcePath(bad), ErrInvalidSourcePath, "path %q", bad)
	}
}
