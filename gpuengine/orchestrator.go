// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gpuengine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Orchestrator drives a fixed set of Resources to completion for one
// partition, polling every Resource's FSM round-robin without ever
// blocking on GPU completion — spec.md §5's "one orchestrator thread…
// polling all GPU resources' FSMs… no condition variables on GPU
// completion". RunPartition returns once every Resource is DONE; it
// does not wait for queued disk writes to drain (pc2's waitDrain polls
// for that after the last partition).
type Orchestrator struct {
	cfg       *Config
	resources []*Resource
	shared    *sharedResults
}

// NewOrchestrator builds Config.ResourceCount Resources sharing one
// gpu_results_c/r pair and mutex.
func NewOrchestrator(cfg *Config) (*Orchestrator, error) {
	d, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	deviceSems := make([]*semaphore.Weighted, d.ngpus)
	for i := range deviceSems {
		deviceSems[i] = semaphore.NewWeighted(d.maxInFlight)
	}

	shared := newSharedResults(cfg.ResourceCount, d.sectors)
	resources := make([]*Resource, cfg.ResourceCount)
	for i := range resources {
		res, err := NewResource(cfg, d, shared, i, deviceSems[i%d.ngpus])
		if err != nil {
			return nil, err
		}
		resources[i] = res
	}

	return &Orchestrator{cfg: cfg, resources: resources, shared: shared}, nil
}

// RunPartition polls every resource's FSM round-robin until all of
// them reach DONE (one full tree-C/tree-R pass over this partition's
// node range) or ctx is cancelled. Resources are reset to their first
// WorkItem before returning successfully, so the same Orchestrator can
// be reused for the next partition.
func (o *Orchestrator) RunPartition(ctx context.Context) error {
	for {
		done := true
		for _, res := range o.resources {
			if !res.Done() {
				res.Step()
				if err := res.Err(); err != nil {
					return err
				}
				done = false
			}
		}
		if done {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gpuengine: partition %d cancelled: %w", o.cfg.Partition, ctx.Err())
		default:
		}
		// A real deployment spins here; yielding keeps this stand-in's
		// CPU-bound goroutines from starving the Go scheduler under
		// GOMAXPROCS=1 test environments.
		time.Sleep(0)
	}

	for _, res := range o.resources {
		res.Reset()
	}
	return nil
}

// Roots returns this partition's per-resource final leaves (the
// gpu_results_c/r pair), one SectorValues per resource, each holding
// one field element per sector — the input the CPU top-hasher reduces
// the rest of the way to the partition root.
func (o *Orchestrator) Roots() (c, r []SectorValues) {
	o.shared.mu.Lock()
	defer o.shared.mu.Unlock()
	c = make([]SectorValues, len(o.shared.c))
	r = make([]SectorValues, len(o.shared.r))
	for i := range o.shared.c {
		c[i] = append(SectorValues(nil), o.shared.c[i]...)
		r[i] = append(SectorValues(nil), o.shared.r[i]...)
	}
	return c, r
}
