package descriptor

import (
	"fmt"
	"strings"
)

// SharingScope says how widely a fixture instance is shared.
type SharingScope int

const (
	// ScopeNone gives every consuming instance its own fixture.
	ScopeNone SharingScope = iota
	ScopePerClass
	ScopePerAssembly
	// ScopeGlobal keeps one fixture per process.
	ScopeGlobal
)

func (s SharingScope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopePerClass:
		return "per-class"
	case ScopePerAssembly:
		return "per-assembly"
	case ScopeGlobal:
		return "global"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Shared reports whether instances may borrow the same fixture value.
func (s SharingScope) Shared() bool { return s != ScopeNone }

// ParseScope parses the textual scope names used in plan files.
func ParseScope(v string) (SharingScope, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "none":
		return ScopeNone, nil
	case "per-class", "perclass", "class":
		return ScopePerClass, nil
	case "per-assembly", "perassembly", "assembly":
		return ScopePerAssembly, nil
	case "global", "per-test-session":
		return ScopeGlobal, nil
	default:
		return ScopeNone, fmt.Errorf("unknown sharing scope %q", v)
	}
}

// ScopeKey is the lifetime key for a fixture requested by d. Two requests
// with the same key share one fixture value. ScopeNone has no shared key and
// returns "".
func ScopeKey(d *Descriptor, f FixtureSpec) string {
	name := f.Name
	if f.Key != "" {
		name += "#" + f.Key
	}
	switch f.Scope {
	case ScopePerClass:
		return "class:" + d.Assembly + "/" + d.Class + ":" + name
	case ScopePerAssembly:
		return "assembly:" + d.Assembly + ":" + name
	case ScopeGlobal:
		return "global:" + name
	default:
		return ""
	}
}
