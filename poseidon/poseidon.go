// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package poseidon is the hash collaborator spec.md §1 scopes out of
// this engine's responsibility: it is given a concrete implementation
// here only so the rest of the pipeline has something real to call and
// test against, not because its cryptographic correctness is this
// module's concern.
//
// Two hash shapes are exposed: HashColumn, over NumLayers field
// elements (one per encoding layer, producing a tree-C leaf), and
// HashTree, over Arity field elements (an internal Merkle node, used
// by both tree-C and tree-R). Both dispatch to a GPU-accelerated
// implementation when one has been wired in by a `gpu`-tagged build,
// falling back to a single-call CPU implementation otherwise (only
// HashColumnBatch/HashTreeBatch fan out over goroutines) — the same
// override-function-var pattern as parsdao-pars' poseidon_gpu.go.
package poseidon

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/poseidon2"
)

// Fr is a single BN254 scalar field element in its 32-byte canonical
// form, the `fr_t` of spec.md's data model.
type Fr [32]byte

// FrSize is sizeof(fr_t).
const FrSize = 32

// Backend selects which implementation HashColumn/HashTree dispatch
// to. BackendGPU is only ever selected when a `gpu`-tagged build has
// registered the override hooks; it silently behaves like BackendCPU
// otherwise.
type Backend uint8

const (
	BackendCPU Backend = iota
	BackendGPU
)

// Config mirrors the batch-threshold/backend-selection shape of
// parsdao-pars' dex/gpu.Config: below BatchThreshold elements, the
// CPU path runs unconditionally since GPU dispatch overhead would
// dominate.
type Config struct {
	Backend        Backend
	BatchThreshold int
	Workers        int // goroutine fan-out for the CPU/pool-parallel path
}

// DefaultConfig mirrors dex/gpu.DefaultConfig's shape: auto-select a
// backend, with a batch threshold below which GPU dispatch isn't
// worth it.
func DefaultConfig() Config {
	backend := BackendCPU
	if gpuHashColumnFunc != nil {
		backend = BackendGPU
	}
	return Config{
		Backend:        backend,
		BatchThreshold: 64,
		Workers:        8,
	}
}

var (
	ErrEmptyInput  = errors.New("poseidon: empty input")
	ErrArityTooBig = errors.New("poseidon: arity exceeds 16 field elements per gnark-crypto poseidon2 permutation")
)

// gpuHashColumnFunc / gpuHashTreeFunc are set by poseidon_gpu.go when
// built with the `gpu` tag. nil means no GPU path is wired and every
// call falls through to the CPU implementation.
var (
	gpuHashColumnFunc func(elems []Fr) (Fr, error)
	gpuHashTreeFunc   func(elems []Fr) (Fr, error)
)

// Hasher is the stateful collaborator the engine's components hold
// one of: it owns no mutable cache (unlike zk.Poseidon2Hasher,
// column/tree inputs here are never repeated across calls so a cache
// would only waste memory) but does own its Config.
type Hasher struct {
	cfg Config
}

// New builds a Hasher with the given Config.
func New(cfg Config) *Hasher {
	return &Hasher{cfg: cfg}
}

// HashColumn hashes NumLayers field elements — one per encoding
// layer — into a single tree-C leaf, per spec.md §3's column
// definition.
func (h *Hasher) HashColumn(elems []Fr) (Fr, error) {
	return h.hash(elems)
}

// HashTree hashes Arity field elements into one internal Merkle node,
// shared by tree-C and tree-R (spec.md §4.1).
func (h *Hasher) HashTree(elems []Fr) (Fr, error) {
	return h.hash(elems)
}

func (h *Hasher) hash(elems []Fr) (Fr, error) {
	if len(elems) == 0 {
		return Fr{}, ErrEmptyInput
	}
	if len(elems) > 16 {
		return Fr{}, ErrArityTooBig
	}

	if h.cfg.Backend == BackendGPU && len(elems) >= h.cfg.BatchThreshold && gpuHashTreeFunc != nil {
		return gpuHashTreeFunc(elems)
	}
	return hashCPU(elems)
}

// hashCPU computes Poseidon2 over the given field elements using the
// pure-Go gnark-crypto implementation, Merkle-Damgard mode to match
// parsdao-pars' zk.Poseidon2Hasher construction.
func hashCPU(elems []Fr) (Fr, error) {
	hasher := poseidon2.NewMerkleDamgardHasher()
	for _, e := range elems {
		var el fr.Element
		el.SetBytes(e[:])
		b := el.Bytes()
		hasher.Write(b[:])
	}
	out := hasher.Sum(nil)
	var result Fr
	copy(result[:], out)
	return result, nil
}

// HashColumnBatch computes HashColumn for many independent columns at
// once, fanning out across cfg.Workers goroutines. gpuengine does not
// call it; its GPU-stream stand-in calls HashColumn/HashTree from its
// own goroutines (see DESIGN.md's resolution of the GPU-stream-model
// open question).
func (h *Hasher) HashColumnBatch(columns [][]Fr) ([]Fr, error) {
	return h.hashBatch(columns, h.HashColumn)
}

// HashTreeBatch is HashColumnBatch's counterpart for internal-node
// batches.
func (h *Hasher) HashTreeBatch(groups [][]Fr) ([]Fr, error) {
	return h.hashBatch(groups, h.HashTree)
}

func (h *Hasher) hashBatch(groups [][]Fr, one func([]Fr) (Fr, error)) ([]Fr, error) {
	n := len(groups)
	results := make([]Fr, n)
	errs := make([]error, n)

	workers := h.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	chunk := (n + workers - 1) / workers
	if chunk == 0 {
		chunk = 1
	}

	done := make(chan struct{}, workers)
	launched := 0
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		launched++
		go func(lo, hi int) {
			defer func() { done <- struct{}{} }()
			for i := lo; i < hi; i++ {
				r, err := one(groups[i])
				results[i] = r
				errs[i] = err
			}
		}(start, end)
	}
	for i := 0; i < launched; i++ {
		<-done
	}

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("poseidon: batch element failed: %w", err)
		}
	}
	return results, nil
}
