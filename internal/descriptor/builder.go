package descriptor

import (
	"maps"
	"slices"
	"time"
)

// Builder assembles a Descriptor. The zero value is not usable; call New.
type Builder struct {
	d Descriptor
}

// New starts a descriptor for class.method.
func New(class, method string) *Builder {
	return &Builder{d: Descriptor{Class: class, Method: method}}
}

func (b *Builder) Assembly(name string) *Builder {
	b.d.Assembly = name
	return b
}

func (b *Builder) DisplayName(name string) *Builder {
	b.d.DisplayName = name
	return b
}

func (b *Builder) ParameterTypes(class, method []string) *Builder {
	b.d.ClassParameterTypes = slices.Clone(class)
	b.d.MethodParameterTypes = slices.Clone(method)
	return b
}

func (b *Builder) Order(n int) *Builder {
	b.d.Order = &n
	return b
}

// NotInParallel adds constraint keys. With no keys the test is serialised
// against every other constrained test.
func (b *Builder) NotInParallel(keys ...string) *Builder {
	if len(keys) == 0 {
		keys = []string{AllTestsKey}
	}
	b.d.NotInParallel = append(b.d.NotInParallel, keys...)
	return b
}

func (b *Builder) ClassConstraints(keys ...string) *Builder {
	b.d.ClassConstraintKeys = append(b.d.ClassConstraintKeys, keys...)
	return b
}

func (b *Builder) Timeout(d time.Duration) *Builder {
	b.d.Timeout = &d
	return b
}

func (b *Builder) Repeat(n int) *Builder {
	b.d.RepeatCount = n
	return b
}

func (b *Builder) Retry(n int) *Builder {
	b.d.RetryCount = n
	return b
}

func (b *Builder) Skip(reason string) *Builder {
	b.d.Skipped = true
	b.d.SkipReason = reason
	return b
}

func (b *Builder) ExplicitFor(reason string) *Builder {
	b.d.ExplicitFor = reason
	return b
}

func (b *Builder) Categories(c ...string) *Builder {
	b.d.Categories = append(b.d.Categories, c...)
	return b
}

func (b *Builder) Property(key, value string) *Builder {
	if b.d.Properties == nil {
		b.d.Properties = make(map[string]string)
	}
	b.d.Properties[key] = value
	return b
}

func (b *Builder) ClassData(ds ...DataSource) *Builder {
	b.d.ClassData = append(b.d.ClassData, ds...)
	return b
}

func (b *Builder) MethodData(ds ...DataSource) *Builder {
	b.d.MethodData = append(b.d.MethodData, ds...)
	return b
}

func (b *Builder) Fixture(f FixtureSpec) *Builder {
	b.d.Fixtures = append(b.d.Fixtures, f)
	return b
}

func (b *Builder) Body(fn Body) *Builder {
	b.d.Body = fn
	return b
}

// Build validates and returns a detached copy of the descriptor.
func (b *Builder) Build() (*Descriptor, error) {
	d := b.d
	d.NotInParallel = slices.Clone(d.NotInParallel)
	d.ClassConstraintKeys = slices.Clone(d.ClassConstraintKeys)
	d.Categories = slices.Clone(d.Categories)
	d.ClassData = slices.Clone(d.ClassData)
	d.MethodData = slices.Clone(d.MethodData)
	d.Fixtures = slices.Clone(d.Fixtures)
	d.Properties = maps.Clone(d.Properties)
	if d.Order != nil {
		o := *d.Order
		d.Order = &o
	}
	if d.Timeout != nil {
		t := *d.Timeout
		d.Timeout = &t
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// MustBuild is Build for static declarations; it panics on invalid input.
func (b *Builder) MustBuild() *Descriptor {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}
