package config

import (
	"fmt"
	"runtime"
	"strings"
)

// Architecture is a target CPU architecture. The set is closed: only the
// listed constants are valid.
type Architecture string

const (
	ArchX86_64 Architecture = "x86_64"
	ArchArm64  Architecture = "arm64"
	ArchArm    Architecture = "arm"
)

// ParseArchitecture parses s into an Architecture. Recognizes the canonical
// names plus the common Go/Debian aliases amd64 and aarch64.
func ParseArchitecture(s string) (Architecture, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86_64", "amd64":
		return ArchX86_64, nil
	case "arm64", "aarch64":
		return ArchArm64, nil
	case "arm", "armv7l":
		return ArchArm, nil
	default:
		return "", fmt.Errorf("unknown architecture %q (supported: x86_64, arm64, arm)", s)
	}
}

// HostArchitecture returns the architecture of the running process, or ""
// when the host architecture is not in the supported set.
func HostArchitecture() Architecture {
	switch runtime.GOARCH {
	case "amd64":
		return ArchX86_64
	case "arm64":
		return ArchArm64
	case "arm":
		return ArchArm
	default:
		return ""
	}
}
