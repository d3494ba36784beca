/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcus-qen/tandem/internal/descriptor"
	"github.com/marcus-qen/tandem/internal/failure"
	"github.com/marcus-qen/tandem/internal/instance"
)

var _ = ginkgo.Describe("Scheduler", func() {
	ctx := context.Background()

	ginkgo.Context("When a constraint group declares Order values", func() {
		for _, parallelism := range []int{1, 2, 16} {
			ginkgo.It(fmt.Sprintf("runs A, B and C strictly in order with %d workers", parallelism), func() {
				tl := newTimeline()
				descs := []*descriptor.Descriptor{
					descriptor.New("Suite", "C").Order(3).NotInParallel("group1").Body(tl.body(5 * time.Millisecond)).MustBuild(),
					descriptor.New("Suite", "A").Order(1).NotInParallel("group1").Body(tl.body(5 * time.Millisecond)).MustBuild(),
					descriptor.New("Suite", "B").Order(2).NotInParallel("group1").Body(tl.body(5 * time.Millisecond)).MustBuild(),
				}

				c, stats, err := runPlan(ctx, cfg(parallelism), descs...)
				Expect(err).NotTo(HaveOccurred())
				Expect(stats.Total).To(Equal(3))
				Expect(c.Results()).To(HaveLen(3))
				Expect(tl.order()).To(Equal([]string{"A", "B", "C"}))

				Expect(tl.span("B").start).NotTo(BeTemporally("<", tl.span("A").end))
				Expect(tl.span("C").start).NotTo(BeTemporally("<", tl.span("B").end))
			})
		}
	})

	ginkgo.Context("When a descriptor has class data and repeats", func() {
		ginkgo.It("expands and runs one instance per value and repeat", func() {
			var seen []string
			body := func(_ context.Context, call descriptor.Call) error {
				seen = append(seen, call.DisplayName)
				return nil
			}
			d := descriptor.New("Suite", "D").
				ClassData(descriptor.Args("values", 1, 2)).
				Repeat(1).
				Body(body).
				MustBuild()

			g, _, err := plan(d)
			Expect(err).NotTo(HaveOccurred())
			Expect(g.Len()).To(Equal(4))

			type key struct {
				arg    any
				repeat int
			}
			var got []key
			ids := map[string]bool{}
			for _, in := range g.Instances() {
				got = append(got, key{in.ClassArgs[0], in.Repeat})
				ids[in.ID] = true
			}
			Expect(got).To(Equal([]key{{1, 0}, {1, 1}, {2, 0}, {2, 1}}))
			Expect(ids).To(HaveLen(4))

			c, _, err := runPlan(ctx, cfg(1), d)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Results()).To(HaveLen(4))
			Expect(seen).To(Equal([]string{"Suite(1).D", "Suite(1).D", "Suite(2).D", "Suite(2).D"}))
		})
	})

	ginkgo.Context("When a body never returns", func() {
		ginkgo.It("times the attempt out without blocking unrelated instances", func() {
			stuck := make(chan struct{})
			ginkgo.DeferCleanup(func() { close(stuck) })

			tl := newTimeline()
			descs := []*descriptor.Descriptor{
				descriptor.New("Suite", "E").Timeout(50 * time.Millisecond).
					Body(func(context.Context, descriptor.Call) error {
						<-stuck
						return nil
					}).MustBuild(),
				descriptor.New("Suite", "F1").Body(tl.body(time.Millisecond)).MustBuild(),
				descriptor.New("Suite", "F2").Body(tl.body(time.Millisecond)).MustBuild(),
			}

			start := time.Now()
			c, _, err := runPlan(ctx, cfg(2), descs...)
			Expect(err).NotTo(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))

			byName := c.ByName()
			e := byName["E"]
			Expect(e.State).To(Equal(instance.StateTimeout))
			Expect(e.CauseKind()).To(Equal(failure.KindTimeout))
			Expect(e.Duration()).To(BeNumerically(">=", 50*time.Millisecond))
			Expect(e.Duration()).To(BeNumerically("<", time.Second))

			for _, name := range []string{"F1", "F2"} {
				Expect(byName[name].State).To(Equal(instance.StatePassed))
				Expect(byName[name].EndTime).To(BeTemporally("<", e.EndTime))
			}
		})
	})

	ginkgo.Context("When ordering and fixture edges form a cycle", func() {
		ginkgo.It("reports the cycle members NotRun and still runs unrelated tests", func() {
			fx := descriptor.FixtureSpec{
				Name:  "db",
				Scope: descriptor.ScopePerClass,
				New:   func(context.Context) (any, error) { return "conn", nil },
			}
			called := map[string]bool{}
			body := func(_ context.Context, call descriptor.Call) error {
				called[call.DisplayName] = true
				return nil
			}
			// B initialises the class fixture, so A waits on B; Order puts
			// A before B in group g.
			descs := []*descriptor.Descriptor{
				descriptor.New("Suite", "B").Order(2).NotInParallel("g").Fixture(fx).Body(body).MustBuild(),
				descriptor.New("Suite", "A").Order(1).NotInParallel("g").Fixture(fx).Body(body).MustBuild(),
				descriptor.New("Suite", "F").Body(body).MustBuild(),
			}

			c, _, err := runPlan(ctx, cfg(4), descs...)
			Expect(err).NotTo(HaveOccurred())

			byName := c.ByName()
			for _, name := range []string{"A", "B"} {
				Expect(byName[name].State).To(Equal(instance.StateNotRun), name)
				Expect(byName[name].CauseKind()).To(Equal(failure.KindDiscovery), name)
				Expect(errors.Is(byName[name].Cause, failure.ErrOrderingCycle)).To(BeTrue(), name)
			}
			Expect(byName["F"].State).To(Equal(instance.StatePassed))
			Expect(called).To(Equal(map[string]bool{"F": true}))

			Expect(c.Diagnostics()).To(HaveLen(1))
			Expect(c.Diagnostics()[0].Kind).To(Equal(failure.KindDiscovery))
		})
	})
})
