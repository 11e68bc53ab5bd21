// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package treeaddr implements TreeAddress, the pure arithmetic mapping
// from a (layer, node index) pair to its byte offset inside a
// serialized Merkle-tree file, per spec.md §4.1.
package treeaddr

import (
	"fmt"

	"github.com/luxfi/pc2tree/sector"
)

// NodeSize is sizeof(fr_t): a 32-byte prime-field scalar.
const NodeSize = 32

// Address is the (leaf_count, arity, node_size) tuple plus the
// precomputed per-layer byte offsets of spec.md's data model.
type Address struct {
	LeafCount    uint64
	Arity        uint64
	NodeSize     uint64
	LayerOffsets []uint64 // layer_offsets[i] = byte offset of layer i's first node
	nodesAt      []uint64 // nodesAt[i] = number of nodes at layer i
}

// New builds a TreeAddress for a tree with the given number of leaves
// and arity, writing every layer up to and including the single root.
func New(leafCount, arity uint64) (Address, error) {
	return newSkipped(leafCount, arity, 0)
}

// NewSkipped builds a TreeAddress that omits the bottom `skips` layers
// from the serialized file — the tree-R construction used after
// discarding D+1 layers (spec.md §3, §4.1).
func NewSkipped(leafCount, arity uint64, skips uint64) (Address, error) {
	return newSkipped(leafCount, arity, skips)
}

func newSkipped(leafCount, arity, skips uint64) (Address, error) {
	if arity < 2 {
		return Address{}, fmt.Errorf("treeaddr: arity must be >= 2, got %d", arity)
	}
	if leafCount == 0 || leafCount%arity != 0 {
		if leafCount != 1 {
			return Address{}, fmt.Errorf("treeaddr: leaf_count (%d) must be a multiple of arity (%d)", leafCount, arity)
		}
	}

	var allNodesAt []uint64
	n := leafCount
	for {
		allNodesAt = append(allNodesAt, n)
		if n == 1 {
			break
		}
		n /= arity
	}

	if skips >= uint64(len(allNodesAt)) {
		return Address{}, fmt.Errorf("treeaddr: skips (%d) >= tree height (%d)", skips, len(allNodesAt))
	}

	nodesAt := allNodesAt[skips:]
	offsets := make([]uint64, len(nodesAt))
	offsets[0] = 0
	for i := 0; i+1 < len(nodesAt); i++ {
		offsets[i+1] = offsets[i] + nodesAt[i]*NodeSize
	}

	return Address{
		LeafCount:    leafCount,
		Arity:        arity,
		NodeSize:     NodeSize,
		LayerOffsets: offsets,
		nodesAt:      nodesAt,
	}, nil
}

// NewForParams builds the tree-C address (no skipped layers) for a
// single partition's worth of leaves.
func NewForParams(p sector.Params) (Address, error) {
	return New(p.NodesPerPartition(), uint64(p.NumTreeRCArity))
}

// NewTreeRForParams builds the tree-R address, skipping D+1 bottom
// layers per spec.md §3 ("tree-R addresses are computed after skipping
// D+1 layers at the bottom").
func NewTreeRForParams(p sector.Params) (Address, error) {
	return NewSkipped(p.NodesPerPartition(), uint64(p.NumTreeRCArity), uint64(p.NumTreeRDiscardRows)+1)
}

// NodesAt returns the number of nodes present at layer i (0-indexed
// from the first retained layer).
func (a Address) NodesAt(layer int) uint64 {
	if layer < 0 || layer >= len(a.nodesAt) {
		return 0
	}
	return a.nodesAt[layer]
}

// Height is the number of retained layers, leaves through root.
func (a Address) Height() int {
	return len(a.nodesAt)
}

// Address returns the byte offset of a given node inside the
// serialized tree file: layer_offsets[layer] + node_index * node_size.
func (a Address) Address(layer int, nodeIndex uint64) uint64 {
	return a.LayerOffsets[layer] + nodeIndex*a.NodeSize
}

// DataSize is the total size in bytes of the serialized tree file:
// the last layer's offset plus every node of that layer (for the trees
// New builds, the single root).
func (a Address) DataSize() uint64 {
	last := len(a.LayerOffsets) - 1
	return a.LayerOffsets[last] + a.nodesAt[last]*a.NodeSize
}
