package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr string
	}{
		{"simple", "demo", ""},
		{"dotted", "acme.tools-v2_x", ""},
		{"empty", "", "package is required"},
		{"leading hyphen", "-demo", "must contain only"},
		{"slash", "a/b", "must contain only"},
		{"space", "a b", "must contain only"},
		{"too long", strings.Repeat("a", maxNameLength+1), "must not exceed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName("package", tt.value)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateLoadRequest(t *testing.T) {
	assert.NoError(t, validateLoadRequest(loadRequest{Package: "demo"}))
	assert.NoError(t, validateLoadRequest(loadRequest{Package: "demo", Plugins: []string{"echo", "pid"}}))
	assert.ErrorContains(t, validateLoadRequest(loadRequest{}), "package is required")
	assert.ErrorContains(t, validateLoadRequest(loadRequest{Package: "demo", Plugins: []string{""}}), "plugin is required")
}
