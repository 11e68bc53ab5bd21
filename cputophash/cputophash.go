// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cputophash implements CpuTopHasher, spec.md §4.6: after the
// GPU streams of one partition have each reduced their own share of
// the tree down to a single per-sector leaf, this package builds the
// small remaining top of the tree — combining every stream's leaf via
// a fresh arity-A Merkle reduction up to the partition root — and
// writes the newly produced nodes directly into the partition's tree
// files at their file-offset-adjusted TreeAddress position.
//
// Simplification recorded in DESIGN.md: spec.md's literal handoff is
// `B·stream_count/A` leaves per sector (each GPU stream stops one
// reduction short of its own subtree root); gpuengine's Resource fuses
// that stop-short reduction all the way down to one scalar leaf per
// sector per stream (see gpuengine's reduceGroup doc comment), so this
// package's input is `stream_count` leaves rather than
// `B·stream_count/A`. The role is unchanged: GPU does the bulk, CPU
// finishes the small top, writing directly at a file-offset derived
// from the difference between the full tree's size and the top
// subtree's size.
package cputophash

import (
	"fmt"

	"github.com/luxfi/pc2tree/bufferpool"
	"github.com/luxfi/pc2tree/poseidon"
	"github.com/luxfi/pc2tree/treeaddr"
)

// Hasher builds one partition's top tree for tree-C and/or tree-R.
type Hasher struct {
	Hasher    *poseidon.Hasher
	Batcher   *bufferpool.Batcher
	Arity     uint64
	TreeROnly bool

	TreeCAddr     treeaddr.Address // full partition tree-C address
	TreeRAddr     treeaddr.Address // full partition tree-R address
	TreeCWriters  []bufferpool.Writer
	TreeRWriters  []bufferpool.Writer
}

// BuildTop reduces leavesC/leavesR (one slice per GPU stream, each
// holding one field element per sector) up to the partition root for
// each tree, writing every newly produced node — everything above the
// leaf layer the GPU streams already wrote — through the shared
// Batcher. It returns each tree's root, one field element per sector,
// ready to be copied into the caller's roots buffer.
func (h *Hasher) BuildTop(leavesC, leavesR [][]poseidon.Fr) (rootC, rootR []poseidon.Fr, err error) {
	if !h.TreeROnly {
		topC, err := treeaddr.New(uint64(len(leavesC)), h.Arity)
		if err != nil {
			return nil, nil, fmt.Errorf("cputophash: tree-C top address: %w", err)
		}
		fileOffset := h.TreeCAddr.DataSize() - topC.DataSize()
		rootC, err = h.reduceWrite(leavesC, topC, fileOffset, h.TreeCWriters)
		if err != nil {
			return nil, nil, err
		}
	}

	topR, err := treeaddr.New(uint64(len(leavesR)), h.Arity)
	if err != nil {
		return nil, nil, fmt.Errorf("cputophash: tree-R top address: %w", err)
	}
	fileOffset := h.TreeRAddr.DataSize() - topR.DataSize()
	rootR, err = h.reduceWrite(leavesR, topR, fileOffset, h.TreeRWriters)
	if err != nil {
		return nil, nil, err
	}
	return rootC, rootR, nil
}

// reduceWrite runs the bottom-up arity-A reduction of leaves, writing
// every node above layer 0 (layer 0 is the GPU streams' own output,
// already on disk) at fileOffset + addr.Address(layer, index).
func (h *Hasher) reduceWrite(leaves [][]poseidon.Fr, addr treeaddr.Address, fileOffset uint64, writers []bufferpool.Writer) ([]poseidon.Fr, error) {
	count := uint64(len(leaves))
	if count == 0 {
		return nil, fmt.Errorf("cputophash: empty leaf set")
	}
	sectors := len(leaves[0])
	current := leaves

	layer := 0
	for count > 1 {
		if count%h.Arity != 0 {
			return nil, fmt.Errorf("cputophash: leaf count %d not divisible by arity %d at layer %d", count, h.Arity, layer)
		}
		nextCount := count / h.Arity
		next := make([][]poseidon.Fr, nextCount)
		for j := uint64(0); j < nextCount; j++ {
			vals := make([]poseidon.Fr, sectors)
			for s := 0; s < sectors; s++ {
				children := make([]poseidon.Fr, h.Arity)
				for k := uint64(0); k < h.Arity; k++ {
					children[k] = current[j*h.Arity+k][s]
				}
				v, err := h.Hasher.HashTree(children)
				if err != nil {
					return nil, err
				}
				vals[s] = v
			}
			next[j] = vals
		}
		layer++
		count = nextCount
		for j, v := range next {
			writeNode(h.Batcher, writers, addr, fileOffset, layer, uint64(j), v)
		}
		current = next
	}
	return current[0], nil
}

func writeNode(batcher *bufferpool.Batcher, writers []bufferpool.Writer, addr treeaddr.Address, fileOffset uint64, layer int, index uint64, values []poseidon.Fr) {
	sectors := len(values)
	src := make([][]byte, sectors)
	dst := make([]bufferpool.Writer, sectors)
	for s, v := range values {
		b := v
		src[s] = b[:]
		if s < len(writers) {
			dst[s] = writers[s]
		}
	}

	buf := batcher.Dequeue()
	buf.Src = src
	buf.Dst = dst
	buf.Offset = fileOffset + addr.Address(layer, index)
	buf.Size = treeaddr.NodeSize
	buf.Stride = 1
	buf.Reverse = false
	batcher.Enqueue(buf)
}
