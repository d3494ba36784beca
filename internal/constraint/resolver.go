// Package constraint resolves the mutual-exclusion keys of test instances.
//
// Two instances whose key sets intersect must never run at the same time.
// The AllTests key conflicts with every instance that holds any key. The
// resolver only answers questions; the scheduler enforces them.
package constraint

import (
	"slices"
	"sort"
	"strings"

	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/instance"
)

// AllTests serialises an instance against every constrained instance.
const AllTests = descriptor.AllTestsKey

// KeySet is a sorted, de-duplicated set of constraint keys.
type KeySet []string

// NewKeySet normalises keys into a KeySet.
func NewKeySet(keys ...string) KeySet {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return KeySet(slices.Compact(out))
}

// Empty reports whether the set holds no keys.
func (k KeySet) Empty() bool { return len(k) == 0 }

// Has reports whether key is in the set.
func (k KeySet) Has(key string) bool {
	_, ok := slices.BinarySearch(k, key)
	return ok
}

// Signature is the exact-match grouping identity of the set.
func (k KeySet) Signature() string { return strings.Join(k, "\x1f") }

// Conflicts reports whether the two sets exclude each other.
func (k KeySet) Conflicts(other KeySet) bool {
	if k.Empty() || other.Empty() {
		return false
	}
	if k.Has(AllTests) || other.Has(AllTests) {
		return true
	}
	i, j := 0, 0
	for i < len(k) && j < len(other) {
		switch {
		case k[i] == other[j]:
			return true
		case k[i] < other[j]:
			i++
		default:
			j++
		}
	}
	return false
}

// Resolver maps instances to their key sets.
type Resolver struct {
	keys map[string]KeySet
}

// NewResolver resolves every instance up front.
func NewResolver(instances []*instance.Instance) *Resolver {
	r := &Resolver{keys: make(map[string]KeySet, len(instances))}
	for _, in := range instances {
		r.keys[in.ID] = KeysFor(in.Descriptor)
	}
	return r
}

// KeysFor is the union of descriptor-level and class-level keys.
func KeysFor(d *descriptor.Descriptor) KeySet {
	all := make([]string, 0, len(d.NotInParallel)+len(d.ClassConstraintKeys))
	all = append(all, d.NotInParallel...)
	all = append(all, d.ClassConstraintKeys...)
	return NewKeySet(all...)
}

// Keys returns the key set of an instance.
func (r *Resolver) Keys(in *instance.Instance) KeySet {
	if ks, ok := r.keys[in.ID]; ok {
		return ks
	}
	return KeysFor(in.Descriptor)
}

// MayRunConcurrently reports whether a and b may overlap in time.
func (r *Resolver) MayRunConcurrently(a, b *instance.Instance) bool {
	if a == b {
		return false
	}
	return !r.Keys(a).Conflicts(r.Keys(b))
}
