// Package expander turns descriptors into concrete test instances.
//
// Expansion is the Cartesian product of resolved class rows and method rows
// in declaration order, each case replicated RepeatCount+1 times with the
// repeat index ascending. The resulting order is the tie-break order for the
// rest of the run, so it must not depend on anything but the inputs.
package expander

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/failure"
	"github.com/marcus-qen/tandem/internal/identity"
	"github.com/marcus-qen/tandem/internal/instance"
)

// DefaultMaxRows bounds a single data-source position. A source producing
// more rows is treated as unbounded.
const DefaultMaxRows = 10_000

// Config controls expansion.
type Config struct {
	MaxRows   int
	Selection Selection
}

// Expander expands descriptors using an injected identity provider.
type Expander struct {
	ids *identity.Provider
	cfg Config
	log logr.Logger
}

// New creates an expander. A nil provider gets a fresh one.
func New(ids *identity.Provider, cfg Config, log logr.Logger) *Expander {
	if ids == nil {
		ids = identity.NewProvider()
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	return &Expander{ids: ids, cfg: cfg, log: log.WithName("expander")}
}

// Result is the output of one expansion pass.
type Result struct {
	// Instances in expansion order; Seq matches the slice index.
	Instances []*instance.Instance
	// NoOps lists descriptors whose data produced zero instances.
	NoOps []string
	// Excluded lists descriptors left out by the selection.
	Excluded    []string
	Diagnostics []instance.Diagnostic
}

// Expand expands every selected descriptor in order.
func (e *Expander) Expand(ctx context.Context, descs []*descriptor.Descriptor) (Result, error) {
	var res Result
	for _, d := range descs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !e.cfg.Selection.Selects(d) {
			res.Excluded = append(res.Excluded, d.FullName())
			continue
		}
		before := len(res.Instances)
		if err := e.expandOne(ctx, d, &res); err != nil {
			return res, err
		}
		if len(res.Instances) == before {
			e.log.V(1).Info("descriptor expanded to zero instances", "test", d.FullName())
			res.NoOps = append(res.NoOps, d.FullName())
		}
	}
	e.log.Info("expansion complete",
		"descriptors", len(descs),
		"instances", len(res.Instances),
		"excluded", len(res.Excluded),
		"noops", len(res.NoOps),
	)
	return res, nil
}

func (e *Expander) expandOne(ctx context.Context, d *descriptor.Descriptor, res *Result) error {
	if err := d.Validate(); err != nil {
		e.placeholder(d, err, res)
		return nil
	}
	classRows, err := Resolve(ctx, d.ClassData, e.cfg.MaxRows)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.placeholder(d, fmt.Errorf("class data: %w", err), res)
		return nil
	}
	methodRows, err := Resolve(ctx, d.MethodData, e.cfg.MaxRows)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.placeholder(d, fmt.Errorf("method data: %w", err), res)
		return nil
	}

	for _, classArgs := range classRows {
		for _, methodArgs := range methodRows {
			for repeat := 0; repeat <= d.RepeatCount; repeat++ {
				id := e.ids.ID(d.FullName(), classArgs, methodArgs, repeat)
				res.Instances = append(res.Instances,
					instance.New(d, id, len(res.Instances), repeat, classArgs, methodArgs))
			}
		}
	}
	return nil
}

// placeholder records a descriptor that could not be expanded as a single
// instance carrying the discovery error, so it is still reported.
func (e *Expander) placeholder(d *descriptor.Descriptor, err error, res *Result) {
	id := e.ids.ID(d.FullName(), nil, nil, 0)
	derr := failure.Discovery(d.FullName(), err)
	in := instance.New(d, id, len(res.Instances), 0, nil, nil)
	in.DiscoveryErr = derr
	res.Instances = append(res.Instances, in)
	res.Diagnostics = append(res.Diagnostics, instance.NewDiagnostic(derr, time.Now()))
	e.log.Error(err, "descriptor could not be expanded", "test", d.FullName())
}

// Resolve materialises the data sources of one parameter position. No
// sources means a single empty tuple; sources are concatenated in order.
func Resolve(ctx context.Context, sources []descriptor.DataSource, maxRows int) ([][]any, error) {
	if len(sources) == 0 {
		return [][]any{nil}, nil
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	rows := make([][]any, 0)
	for _, src := range sources {
		if src.Rows == nil {
			continue
		}
		for row, err := range src.Rows {
			if err != nil {
				return nil, fmt.Errorf("data source %q: %w", src.Name, err)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if len(rows) >= maxRows {
				return nil, fmt.Errorf("data source %q: %w (limit %d)", src.Name, failure.ErrUnboundedDataSource, maxRows)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}
