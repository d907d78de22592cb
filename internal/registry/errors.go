package registry

import (
	"fmt"
	"strings"
)

// ConfigError lists every problem found while loading the role-action
// mapping. It is fatal at startup.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid role-action configuration: %s", strings.Join(e.Problems, "; "))
}

// HasProblems reports whether any problem was recorded.
func (e *ConfigError) HasProblems() bool {
	return len(e.Problems) > 0
}

func (e *ConfigError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}
