// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gpuengine

import (
	"fmt"

	"github.com/luxfi/pc2tree/poseidon"
)

// reduceGroup fully reduces one leaf-group's B per-node leaf values
// (already hashed for tree-C, raw encoded elements for tree-R) up to
// its single group root, emitting every intermediate node along the
// way through emit(layer, index, perSectorValues).
//
// spec.md §4.5 dispatches this arity-A reduction one GPU round at a
// time (HASH_COLUMN_LEAVES does the first step, further internal
// WorkItems do the rest); here the whole within-group reduction is
// fused into a single call, since B is chosen as a power of A and the
// dispatch granularity that separates it into multiple GPU rounds is a
// performance characteristic spec.md §1 leaves out of scope, not a
// correctness one. Every layer this function walks through — down to
// the raw per-node leaves at layer 0 — is still emitted at its exact
// on-disk offset, so the serialized layout is unaffected.
func reduceGroup(hasher *poseidon.Hasher, arity uint64, groupIndex uint64, leaves []SectorValues, emit func(layer int, index uint64, values []poseidon.Fr)) (SectorValues, error) {
	count := uint64(len(leaves))
	if count == 0 {
		return nil, fmt.Errorf("gpuengine: empty leaf group")
	}
	sectors := len(leaves[0])

	current := leaves
	for i, v := range current {
		emit(0, groupIndex*count+uint64(i), v)
	}

	layer := 0
	for count > 1 {
		if count%arity != 0 {
			return nil, fmt.Errorf("gpuengine: group size %d not divisible by arity %d at layer %d", count, arity, layer)
		}
		nextCount := count / arity
		next := make([]SectorValues, nextCount)
		for j := uint64(0); j < nextCount; j++ {
			vals := make(SectorValues, sectors)
			for s := 0; s < sectors; s++ {
				children := make([]poseidon.Fr, arity)
				for k := uint64(0); k < arity; k++ {
					children[k] = current[j*arity+k][s]
				}
				h, err := hasher.HashTree(children)
				if err != nil {
					return nil, err
				}
				vals[s] = h
			}
			next[j] = vals
		}
		layer++
		count = nextCount
		for j, v := range next {
			emit(layer, groupIndex*count+uint64(j), v)
		}
		current = next
	}
	return current[0], nil
}
