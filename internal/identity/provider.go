// Package identity issues deterministic unique IDs for test instances.
//
// A Provider is owned by one run and passed to the expander explicitly; there
// is no process-wide registry. IDs are name-based UUIDs over the test's
// qualified name, the shape of its arguments and its repeat index, so the
// same inputs produce the same IDs in every run.
package identity

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Namespace roots every instance ID.
var Namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://tandem.dev/test-instance"))

// Provider issues instance IDs for one run.
type Provider struct {
	mu   sync.Mutex
	seen map[string]int
}

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{seen: map[string]int{}}
}

// ID returns the instance ID for a test case. Identical inputs within one
// provider (for example duplicate data rows) get an occurrence suffix so IDs
// stay unique; because expansion order is stable the suffix is too.
func (p *Provider) ID(fullName string, classArgs, methodArgs []any, repeat int) string {
	key := Canonical(fullName, classArgs, methodArgs, repeat)

	p.mu.Lock()
	n := p.seen[key]
	p.seen[key] = n + 1
	p.mu.Unlock()

	if n > 0 {
		key = fmt.Sprintf("%s|dup=%d", key, n)
	}
	return uuid.NewSHA1(Namespace, []byte(key)).String()
}

// Reset forgets issued IDs so the provider can serve a new run.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = map[string]int{}
}

// Canonical renders the identity inputs as a stable string.
func Canonical(fullName string, classArgs, methodArgs []any, repeat int) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(fullName))
	b.WriteString("|class=")
	writeArgs(&b, classArgs)
	b.WriteString("|method=")
	writeArgs(&b, methodArgs)
	fmt.Fprintf(&b, "|repeat=%d", repeat)
	return b.String()
}

// writeArgs length-prefixes every rendered value so that separators inside
// a value cannot be read as an argument boundary.
func writeArgs(b *strings.Builder, args []any) {
	for i, a := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		v := fmt.Sprint(a)
		fmt.Fprintf(b, "%T:%d:%s", a, len(v), v)
	}
}
