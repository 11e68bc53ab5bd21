// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package scheduler produces the ordered stream of WorkItems that
// drives a single Merkle tree's construction, per spec.md §4.2 and the
// arena-of-handles design note in §9.
//
// A WorkItem's unit is not a single field element but a "leaf group" of
// B contiguous input positions; the scheduler itself only reasons about
// the resulting group-count, so internally it walks the same perfect
// A-ary tree bookkeeping as treeaddr, rooted at leafGroups = leaves/B.
package scheduler

import (
	"fmt"

	"github.com/luxfi/pc2tree/sector"
)

// WorkItem is a single unit of scheduled work: a leaf-group hash (when
// IsLeaf) or an internal-node hash over Arity previously produced
// buffers, identified by small integer handles into the caller's
// buffer arena.
type WorkItem struct {
	Idx    sector.NodeID
	IsLeaf bool
	Handle int
	Inputs []int // len == arity, only populated for internal items
}

// Scheduler is a single-threaded, lazily-advanced iterator over the
// WorkItems of one tree. It is owned by exactly one GpuResource; two
// Schedulers (tree-C, tree-R) built with identical (leafGroups, arity)
// advance in lock-step so that work_c.Idx == work_r.Idx at every step.
type Scheduler struct {
	leafGroups uint64
	arity      uint64
	items      []WorkItem
	pos        int
	ArenaSize  int // minimum buffer-arena size this schedule requires
}

// New builds a Scheduler over `leafGroups` base units reduced by the
// given arity. leafGroups must be 1 or a power of arity.
func New(leafGroups, arity uint64) (*Scheduler, error) {
	if arity < 2 {
		return nil, fmt.Errorf("scheduler: arity must be >= 2, got %d", arity)
	}
	if leafGroups == 0 {
		return nil, fmt.Errorf("scheduler: leafGroups must be > 0")
	}

	height := 0
	for n := leafGroups; n > 1; n /= arity {
		if n%arity != 0 {
			return nil, fmt.Errorf("scheduler: leafGroups (%d) is not a power of arity (%d)", leafGroups, arity)
		}
		height++
	}

	s := &Scheduler{leafGroups: leafGroups, arity: arity}
	nextHandle := 0
	arena := int(arity)*(height+1) + 2
	s.ArenaSize = arena

	var emit func(layer int, index uint64) int
	emit = func(layer int, index uint64) int {
		if layer == 0 {
			h := nextHandle % arena
			nextHandle++
			s.items = append(s.items, WorkItem{
				Idx:    sector.NodeID{Layer: 0, Index: index},
				IsLeaf: true,
				Handle: h,
			})
			return h
		}
		inputs := make([]int, arity)
		for k := uint64(0); k < arity; k++ {
			inputs[k] = emit(layer-1, index*arity+k)
		}
		h := nextHandle % arena
		nextHandle++
		s.items = append(s.items, WorkItem{
			Idx:    sector.NodeID{Layer: uint32(layer), Index: index},
			IsLeaf: false,
			Handle: h,
			Inputs: inputs,
		})
		return h
	}
	emit(height, 0)

	return s, nil
}

// NewForResource builds the per-resource Scheduler for a partition's
// leaf range: leafGroups = resource's share of nodes-per-stream / B.
func NewForResource(nodesPerStream, batchSize uint64, arity uint32) (*Scheduler, error) {
	if batchSize == 0 || nodesPerStream%batchSize != 0 {
		return nil, fmt.Errorf("scheduler: nodesPerStream (%d) not a multiple of batchSize (%d)", nodesPerStream, batchSize)
	}
	return New(nodesPerStream/batchSize, uint64(arity))
}

// Next advances to the next WorkItem, returning it and whether there is
// another item after it (false on the final item, matching spec.md's
// `next(&mut work) -> false` on exhaustion).
func (s *Scheduler) Next() (WorkItem, bool) {
	item := s.items[s.pos]
	s.pos++
	return item, s.pos < len(s.items)
}

// Done reports whether the sequence has been fully consumed.
func (s *Scheduler) Done() bool {
	return s.pos >= len(s.items)
}

// Reset returns the scheduler to its first item so the same tree shape
// can be re-hashed with fresh data for the next partition.
func (s *Scheduler) Reset() {
	s.pos = 0
}

// Len is the total number of WorkItems the schedule contains:
// leafGroups + leafGroups/A + ... + 1 (spec.md §4.2, §8 property 2).
func (s *Scheduler) Len() int {
	return len(s.items)
}

// Items exposes the full precomputed sequence, used by property tests
// that check ordering invariants without driving Next() by hand.
func (s *Scheduler) Items() []WorkItem {
	return s.items
}
