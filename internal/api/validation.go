package api

import (
	"fmt"
	"regexp"
)

var (
	// namePattern matches package and plugin names: letters, digits, dots,
	// underscores and hyphens, starting with a letter or digit.
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

const maxNameLength = 128

// ValidateName checks a package or plugin name taken from a request.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%s must not exceed %d characters", kind, maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%s must contain only letters, digits, '.', '_' and '-'", kind)
	}
	return nil
}

// validateLoadRequest validates package load parameters
func validateLoadRequest(req loadRequest) error {
	if err := ValidateName("package", req.Package); err != nil {
		return err
	}
	for _, p := range req.Plugins {
		if err := ValidateName("plugin", p); err != nil {
			return err
		}
	}
	return nil
}
