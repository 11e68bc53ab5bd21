// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package reader gives the GpuStreamEngine's Reader collaborator a
// concrete body. spec.md §1 explicitly scopes the streaming page
// reader itself (NVMe/SPDK or mmap-backed) out of this module's core;
// what is in scope is the contract gpuengine drives (§5's
// "Reader contract") and one reference implementation of it so the
// rest of the pipeline has something real to build and test against.
package reader

import (
	"fmt"
	"sync/atomic"

	"github.com/luxfi/pc2tree/poseidon"
)

// Reader is the collaborator contract spec.md §5 names:
//
//   - GetFullBuffer returns the reader's pinned page buffer, handed to
//     the GPU driver for page-locked registration at engine construction.
//   - LoadLayers begins an asynchronous load of `batch` nodes across
//     `numLayers` layers into `slot`; the caller polls `valid` until it
//     reaches `validCount` rather than blocking on a condition variable,
//     matching the no-condvars constraint on the GPU completion path.
//   - GetSlot returns a slot's buffer directly, used when reads are
//     disabled for testing (spec.md's DISABLE_FILE_WRITES sibling on
//     the read side).
//   - DataIsBigEndian reports whether the underlying bytes are stored
//     big-endian, controlling byte-reversal at every boundary crossing
//     into this reader.
type Reader interface {
	GetFullBuffer() ([]byte, error)
	LoadLayers(slot int, startNode uint64, batch uint64, startLayer, numLayers uint32, valid *atomic.Uint64, validCount uint64) error
	GetSlot(slot int) []byte
	DataIsBigEndian() bool
}

// LayerSource supplies one encoding layer's worth of field elements,
// addressed by node index. MemoryLayerSource implements it; HostReader
// reads through one LayerSource per encoding layer.
type LayerSource interface {
	ReadLayer(layer uint32, startNode, count uint64) ([]poseidon.Fr, error)
}

// HostReader is a reference Reader backed by caller-supplied
// LayerSources rather than a real page-cache/NVMe pipeline — exactly the kind of collaborator
// spec.md says this module may assume without reimplementing.
type HostReader struct {
	layers     []LayerSource
	bigEndian  bool
	numSlots   int
	slotNodes  uint64 // capacity, in nodes, of one slot
	numLayers  uint32
	slotBufs   [][]byte
	pinnedFull []byte
}

// NewHostReader builds a HostReader over one LayerSource per encoding
// layer, with numSlots double/triple-buffered slots each sized for
// slotNodes nodes across numLayers layers of 32-byte field elements.
func NewHostReader(layers []LayerSource, numSlots int, slotNodes uint64, bigEndian bool) (*HostReader, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("reader: at least one layer source required")
	}
	if numSlots <= 0 {
		return nil, fmt.Errorf("reader: numSlots must be > 0")
	}
	numLayers := uint32(len(layers))
	slotBytes := slotNodes * uint64(numLayers) * uint64(poseidon.FrSize)

	hr := &HostReader{
		layers:    layers,
		bigEndian: bigEndian,
		numSlots:  numSlots,
		slotNodes: slotNodes,
		numLayers: numLayers,
		slotBufs:  make([][]byte, numSlots),
	}
	hr.pinnedFull = make([]byte, slotBytes*uint64(numSlots))
	for i := 0; i < numSlots; i++ {
		hr.slotBufs[i] = hr.pinnedFull[uint64(i)*slotBytes : uint64(i+1)*slotBytes]
	}
	return hr, nil
}

// GetFullBuffer returns the single contiguous pinned region backing
// every slot, the shape a GPU driver registration call needs.
func (r *HostReader) GetFullBuffer() ([]byte, error) {
	return r.pinnedFull, nil
}

// GetSlot returns one slot's raw bytes.
func (r *HostReader) GetSlot(slot int) []byte {
	return r.slotBufs[slot]
}

// DataIsBigEndian reports the configured endianness of the underlying
// layer sources.
func (r *HostReader) DataIsBigEndian() bool {
	return r.bigEndian
}

// LoadLayers begins loading `batch` nodes starting at startNode across
// [startLayer, startLayer+numLayers) into the given slot, running the
// actual per-layer reads on a goroutine and publishing progress by
// adding each layer's element count to `valid`, so it reaches
// batch*numLayers when every layer is in — matching the FSM's DATA_WAIT
// state, which polls rather than blocks. validCount is not consulted.
func (r *HostReader) LoadLayers(slot int, startNode uint64, batch uint64, startLayer, numLayers uint32, valid *atomic.Uint64, validCount uint64) error {
	if slot < 0 || slot >= r.numSlots {
		return fmt.Errorf("reader: slot %d out of range [0,%d)", slot, r.numSlots)
	}
	if startLayer+numLayers > r.numLayers {
		return fmt.Errorf("reader: layer range [%d,%d) exceeds %d configured layers", startLayer, startLayer+numLayers, r.numLayers)
	}
	if batch > r.slotNodes {
		return fmt.Errorf("reader: batch %d exceeds slot capacity %d", batch, r.slotNodes)
	}

	valid.Store(0)
	buf := r.slotBufs[slot]
	elemSize := poseidon.FrSize

	go func() {
		for li := uint32(0); li < numLayers; li++ {
			elems, err := r.layers[startLayer+li].ReadLayer(startLayer+li, startNode, batch)
			if err != nil {
				// A fatal read error leaves `valid` short of
				// validCount forever; the orchestrator's DATA_WAIT
				// poll never proceeds, matching spec.md's "the
				// engine treats non-zero [reader] returns as fatal
				// assertions" (surfaced to the caller as a stuck
				// stream rather than a panic inside this goroutine).
				return
			}
			layerOff := uint64(li) * batch * uint64(elemSize)
			for i, e := range elems {
				copy(buf[layerOff+uint64(i)*uint64(elemSize):], e[:])
			}
			valid.Add(uint64(len(elems)))
		}
		_ = validCount
	}()
	return nil
}
