// Package version reports the service build and checks desktop app versions
// against the release line a license is served for.
package version

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
)

// Version is set at build time with
// -ldflags "-X petanque-manager.app/cloud/internal/version.Version=1.4.2".
var Version = ""

var ErrInvalidVersion = errors.New("invalid version")

// Current returns the linker-provided version, then the module version
// recorded by the toolchain, then "dev".
func Current() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return "dev"
}

// IsCompatible reports whether an app at appVersion may use a license served
// for the supported release line. Only the major component has to agree.
func IsCompatible(supportedVersion, appVersion string) (bool, error) {
	supported, err := ExtractMajorVersion(supportedVersion)
	if err != nil {
		return false, fmt.Errorf("supported version: %w", err)
	}
	app, err := ExtractMajorVersion(appVersion)
	if err != nil {
		return false, fmt.Errorf("app version: %w", err)
	}
	return supported == app, nil
}

// ExtractMajorVersion parses "1.2.3", "v1.2" or "1".
func ExtractMajorVersion(v string) (int, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidVersion)
	}

	head, _, _ := strings.Cut(v, ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("%w: major component %q", ErrInvalidVersion, head)
	}
	if major < 0 {
		return 0, fmt.Errorf("%w: negative major %d", ErrInvalidVersion, major)
	}
	return major, nil
}
