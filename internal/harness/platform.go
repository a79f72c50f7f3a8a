package harness

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
)

// ErrPlatformUnsupported is matched by errors.Is for every PlatformError.
var ErrPlatformUnsupported = errors.New("platform unsupported")

// PlatformError reports that a scenario cannot run on this operating system.
type PlatformError struct {
	GOOS      string
	Supported []string
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("%s is not one of %s", e.GOOS, strings.Join(e.Supported, ", "))
}

func (e *PlatformError) Is(target error) bool {
	return target == ErrPlatformUnsupported
}

// CheckPlatform returns a *PlatformError unless goos is in supported.
// An empty list or "*" allows every platform; an empty goos means runtime.GOOS.
func CheckPlatform(goos string, supported []string) error {
	if goos == "" {
		goos = runtime.GOOS
	}
	if len(supported) == 0 || slices.Contains(supported, "*") || slices.Contains(supported, goos) {
		return nil
	}
	return &PlatformError{GOOS: goos, Supported: supported}
}
