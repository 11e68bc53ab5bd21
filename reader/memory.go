// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package reader

import (
	"fmt"

	"github.com/luxfi/pc2tree/poseidon"
)

// MemoryLayerSource is a LayerSource backed by a flat in-memory slice,
// used by tests and by DISABLE_FILE_WRITES-style benchmarking runs
// where reads are disabled but the rest of the FSM still needs data to
// hash (spec.md §5's "get_slot ... used when reads are disabled for
// testing").
type MemoryLayerSource struct {
	elems []poseidon.Fr
}

// NewMemoryLayerSource wraps a precomputed slice of field elements,
// one per node, for a single layer.
func NewMemoryLayerSource(elems []poseidon.Fr) *MemoryLayerSource {
	return &MemoryLayerSource{elems: elems}
}

// ReadLayer returns `count` elements starting at startNode. The layer
// parameter is accepted for interface conformance but unused: one
// MemoryLayerSource always represents exactly one layer.
func (m *MemoryLayerSource) ReadLayer(layer uint32, startNode, count uint64) ([]poseidon.Fr, error) {
	if startNode+count > uint64(len(m.elems)) {
		return nil, fmt.Errorf("reader: memory layer read [%d,%d) exceeds %d elements", startNode, startNode+count, len(m.elems))
	}
	out := make([]poseidon.Fr, count)
	copy(out, m.elems[startNode:startNode+count])
	return out, nil
}
