package plan

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/tandem/internal/descriptor"
)

// Options controls how plan tests are turned into runnable descriptors.
type Options struct {
	// BaseDir resolves relative working directories; usually the plan's
	// directory.
	BaseDir string
	// Env is the base environment for every command; nil means os.Environ().
	Env []string
	// OutputTail bounds the command output kept for failure messages.
	OutputTail int
	Log        logr.Logger
}

// Descriptors builds one descriptor per plan test.
func Descriptors(f *File, opts Options) ([]*descriptor.Descriptor, error) {
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.OutputTail <= 0 {
		opts.OutputTail = defaultOutputTail
	}
	fileEnv := append(slices.Clone(opts.Env), envPairs(f.Env)...)
	fileDir := resolveDir(opts.BaseDir, f.Dir)

	fixtures := make(map[string]Fixture, len(f.Fixtures))
	var errs []error
	for _, fx := range f.Fixtures {
		if _, dup := fixtures[fx.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate fixture %q", fx.Name))
			continue
		}
		fixtures[fx.Name] = fx
	}

	out := make([]*descriptor.Descriptor, 0, len(f.Tests))
	for i, t := range f.Tests {
		env := append(slices.Clone(fileEnv), envPairs(t.Env)...)
		dir := fileDir
		if t.Dir != "" {
			dir = resolveDir(opts.BaseDir, t.Dir)
		}
		ex := &executor{dir: dir, env: env, tail: opts.OutputTail, log: opts.Log.WithValues("test", t.Name)}

		d, err := buildTest(f, t, fixtures, ex)
		if err != nil {
			errs = append(errs, fmt.Errorf("tests[%d] %s: %w", i, t.Name, err))
			continue
		}
		out = append(out, d)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func buildTest(f *File, t Test, fixtures map[string]Fixture, ex *executor) (*descriptor.Descriptor, error) {
	b := descriptor.New(t.Class, t.Name).
		DisplayName(t.DisplayName).
		Repeat(t.Repeat).
		Retry(t.Retry).
		Categories(t.Categories...).
		ClassConstraints(t.ClassConstraints...)

	assembly := f.Assembly
	if t.Assembly != "" {
		assembly = t.Assembly
	}
	b.Assembly(assembly)

	if t.Order != nil {
		b.Order(*t.Order)
	}
	if t.NotInParallel != nil {
		b.NotInParallel(t.NotInParallel...)
	}
	if t.Timeout != "" {
		d, err := time.ParseDuration(t.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		b.Timeout(d)
	}
	if t.Skip != "" {
		b.Skip(t.Skip)
	}
	if t.ExplicitFor != "" {
		b.ExplicitFor(t.ExplicitFor)
	}
	for _, k := range slices.Sorted(maps.Keys(t.Properties)) {
		b.Property(k, t.Properties[k])
	}
	if t.ClassData != nil {
		b.ClassData(descriptor.Values("class_data", rows(t.ClassData)...))
	}
	if t.MethodData != nil {
		b.MethodData(descriptor.Values("method_data", rows(t.MethodData)...))
	}

	for _, name := range t.Fixtures {
		fx, ok := fixtures[name]
		if !ok {
			return nil, fmt.Errorf("unknown fixture %q", name)
		}
		scope, err := descriptor.ParseScope(fx.Scope)
		if err != nil {
			return nil, err
		}
		b.Fixture(descriptor.FixtureSpec{
			Name:    fx.Name,
			Scope:   scope,
			Key:     fx.Key,
			New:     ex.setup(fx),
			Dispose: ex.teardown(fx),
		})
	}

	switch {
	case len(t.Command) > 0:
		b.Body(ex.body(t.Command))
	case t.Skip == "":
		return nil, errors.New("command is required unless the test is skipped")
	}
	return b.Build()
}

// rows turns decoded data into argument tuples. A scalar row is a
// single-argument tuple.
func rows(data []any) [][]any {
	out := make([][]any, 0, len(data))
	for _, r := range data {
		if tuple, ok := r.([]any); ok {
			out = append(out, tuple)
			continue
		}
		out = append(out, []any{r})
	}
	return out
}

func envPairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, k+"="+m[k])
	}
	return out
}

func resolveDir(base, dir string) string {
	if dir == "" {
		return base
	}
	if filepath.IsAbs(dir) || base == "" {
		return dir
	}
	return filepath.Join(base, dir)
}
