// Package graph builds the ordering graph over expanded test instances.
//
// Nodes are instances keyed by expansion sequence. Edges come from two
// sources: explicit Order values inside a constraint group, and synthetic
// fixture edges from a shared fixture's initializer to its other consumers.
// A cycle is a discovery error for the instances on it and for everything
// downstream; the rest of the graph is unaffected.
package graph

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/marcus-qen/tandem/internal/constraint"
	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/failure"
	"github.com/marcus-qen/tandem/internal/instance"
)

// EdgeKind says why an edge exists.
type EdgeKind string

const (
	EdgeOrder   EdgeKind = "order"
	EdgeFixture EdgeKind = "fixture"
)

// Edge means To must not start before From is terminal.
type Edge struct {
	From, To int
	Kind     EdgeKind
}

// Graph is the immutable ordering plan for one run.
type Graph struct {
	instances []*instance.Instance
	g         *simple.DirectedGraph
	kinds     map[[2]int]EdgeKind

	// Blocked maps instance IDs that can never run to their cause.
	Blocked map[string]error
	// Diagnostics holds one record per detected cycle.
	Diagnostics []instance.Diagnostic
	// Fixtures maps each shared fixture scope key to its consumers in
	// expansion order; the first consumer is the initializer.
	Fixtures map[string][]int
}

// Build computes ordering and fixture edges and detects cycles. Instances
// must be in expansion order with Seq equal to their index.
func Build(instances []*instance.Instance, resolver *constraint.Resolver) (*Graph, error) {
	gr := &Graph{
		instances: instances,
		g:         simple.NewDirectedGraph(),
		kinds:     map[[2]int]EdgeKind{},
		Blocked:   map[string]error{},
		Fixtures:  map[string][]int{},
	}
	for i, in := range instances {
		if in.Seq != i {
			return nil, fmt.Errorf("instance %s has seq %d at index %d", in.ID, in.Seq, i)
		}
		gr.g.AddNode(simple.Node(i))
	}

	gr.addOrderEdges(resolver)
	gr.addFixtureEdges()
	gr.detectCycles()
	return gr, nil
}

func (gr *Graph) addEdge(from, to int, kind EdgeKind) {
	if from == to {
		return
	}
	key := [2]int{from, to}
	if _, ok := gr.kinds[key]; ok {
		return
	}
	gr.kinds[key] = kind
	gr.g.SetEdge(gr.g.NewEdge(simple.Node(from), simple.Node(to)))
}

// addOrderEdges groups instances by their exact key-set signature and links
// each present Order value to the next present one.
func (gr *Graph) addOrderEdges(resolver *constraint.Resolver) {
	groups := map[string]map[int][]int{}
	var sigs []string
	for _, in := range gr.instances {
		if in.Descriptor.Order == nil {
			continue
		}
		ks := resolver.Keys(in)
		if ks.Empty() {
			continue
		}
		sig := ks.Signature()
		byOrder, ok := groups[sig]
		if !ok {
			byOrder = map[int][]int{}
			groups[sig] = byOrder
			sigs = append(sigs, sig)
		}
		o := *in.Descriptor.Order
		byOrder[o] = append(byOrder[o], in.Seq)
	}

	for _, sig := range sigs {
		byOrder := groups[sig]
		orders := make([]int, 0, len(byOrder))
		for o := range byOrder {
			orders = append(orders, o)
		}
		sort.Ints(orders)
		for i := 0; i+1 < len(orders); i++ {
			for _, from := range byOrder[orders[i]] {
				for _, to := range byOrder[orders[i+1]] {
					gr.addEdge(from, to, EdgeOrder)
				}
			}
		}
	}
}

func (gr *Graph) addFixtureEdges() {
	for _, in := range gr.instances {
		if in.Descriptor.Skipped || in.DiscoveryErr != nil {
			continue
		}
		for _, f := range in.Descriptor.Fixtures {
			key := descriptor.ScopeKey(in.Descriptor, f)
			if key == "" {
				continue
			}
			consumers := gr.Fixtures[key]
			if len(consumers) > 0 && consumers[len(consumers)-1] == in.Seq {
				continue
			}
			gr.Fixtures[key] = append(consumers, in.Seq)
		}
	}
	for _, consumers := range gr.Fixtures {
		for _, c := range consumers[1:] {
			gr.addEdge(consumers[0], c, EdgeFixture)
		}
	}
}

func (gr *Graph) detectCycles() {
	sccs := topo.TarjanSCC(gr.g)
	var cycles [][]int
	for _, scc := range sccs {
		if len(scc) < 2 {
			continue
		}
		ids := make([]int, 0, len(scc))
		for _, n := range scc {
			ids = append(ids, int(n.ID()))
		}
		sort.Ints(ids)
		cycles = append(cycles, ids)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })

	now := time.Now()
	for _, cycle := range cycles {
		names := make([]string, 0, len(cycle))
		for _, seq := range cycle {
			names = append(names, gr.instances[seq].DisplayName)
		}
		cause := fmt.Errorf("%w: %s", failure.ErrOrderingCycle, strings.Join(names, " -> "))
		gr.Diagnostics = append(gr.Diagnostics,
			instance.NewDiagnostic(failure.Discovery("ordering", cause), now))

		// Everything on the cycle and everything reachable from it.
		queue := slices.Clone(cycle)
		for len(queue) > 0 {
			seq := queue[0]
			queue = queue[1:]
			in := gr.instances[seq]
			if _, done := gr.Blocked[in.ID]; done {
				continue
			}
			gr.Blocked[in.ID] = failure.Discovery(in.ID, cause)
			queue = append(queue, gr.Successors(seq)...)
		}
	}
}

// Len is the number of instances.
func (gr *Graph) Len() int { return len(gr.instances) }

// Instance returns the instance at seq.
func (gr *Graph) Instance(seq int) *instance.Instance { return gr.instances[seq] }

// Instances returns every instance in expansion order.
func (gr *Graph) Instances() []*instance.Instance { return gr.instances }

// Successors returns the instances that wait on seq, ascending.
func (gr *Graph) Successors(seq int) []int {
	return sortedIDs(gr.g.From(int64(seq)))
}

// Predecessors returns the instances seq waits on, ascending.
func (gr *Graph) Predecessors(seq int) []int {
	return sortedIDs(gr.g.To(int64(seq)))
}

// EdgeKind returns the reason for the edge from → to, or "".
func (gr *Graph) EdgeKind(from, to int) EdgeKind {
	return gr.kinds[[2]int{from, to}]
}

// Edges returns every edge sorted by (From, To).
func (gr *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(gr.kinds))
	for k, kind := range gr.kinds {
		out = append(out, Edge{From: k[0], To: k[1], Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func sortedIDs(nodes graph.Nodes) []int {
	var ids []int
	for nodes.Next() {
		ids = append(ids, int(nodes.Node().ID()))
	}
	sort.Ints(ids)
	return ids
}
