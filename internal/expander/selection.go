package expander

import (
	"path"
	"slices"
	"strings"

	"github.com/marcus-qen/tandem/internal/descriptor"
)

// Selection narrows which descriptors take part in a run.
type Selection struct {
	// Explicit names tests (qualified name or ExplicitFor tag) that may run
	// even though they are marked explicit-only.
	Explicit []string
	// Include holds glob patterns over qualified names; empty means all.
	Include []string
	// Categories keeps tests carrying at least one of these; empty means all.
	Categories []string
}

// Selects reports whether d takes part in the run.
func (s Selection) Selects(d *descriptor.Descriptor) bool {
	if d.ExplicitFor != "" && !s.explicitlySelected(d) {
		return false
	}
	if len(s.Include) > 0 && !s.included(d.FullName()) {
		return false
	}
	if len(s.Categories) > 0 {
		match := false
		for _, c := range d.Categories {
			if slices.Contains(s.Categories, c) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

func (s Selection) explicitlySelected(d *descriptor.Descriptor) bool {
	for _, e := range s.Explicit {
		e = strings.TrimSpace(e)
		if e == d.FullName() || e == d.ExplicitFor {
			return true
		}
		if ok, _ := path.Match(e, d.FullName()); ok {
			return true
		}
	}
	return false
}

func (s Selection) included(name string) bool {
	for _, pattern := range s.Include {
		if pattern == name {
			return true
		}
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
