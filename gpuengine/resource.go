// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gpuengine

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/luxfi/pc2tree/bufferpool"
	"github.com/luxfi/pc2tree/poseidon"
	"github.com/luxfi/pc2tree/scheduler"
	"github.com/luxfi/pc2tree/treeaddr"
)

// ResourceState is one state of the hash_gpu FSM, spec.md §4.5.
type ResourceState int

const (
	StateIdle ResourceState = iota
	StateDataRead
	StateDataWait
	StateHashColumn
	StateHashColumnLeaves
	StateHashLeaf
	StateHashWait
	StateDone
)

func (s ResourceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDataRead:
		return "DATA_READ"
	case StateDataWait:
		return "DATA_WAIT"
	case StateHashColumn:
		return "HASH_COLUMN"
	case StateHashColumnLeaves:
		return "HASH_COLUMN_LEAVES"
	case StateHashLeaf:
		return "HASH_LEAF"
	case StateHashWait:
		return "HASH_WAIT"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// SectorValues is one tree node's value across every sector processed
// in lock-step: SectorValues[s] is that node's field element for
// sector s.
type SectorValues []poseidon.Fr

// Resource is one GPU stream's worth of state: spec.md §3/§4.5's
// GpuResource, advanced one non-blocking Step() at a time by an
// Orchestrator. It owns two lock-step Schedulers (tree-C, tree-R) and
// an arena of previously produced node values per tree, indexed by the
// scheduler's small-integer handles.
type Resource struct {
	id  int
	cfg *Config
	d   derived
	shr *sharedResults

	// sem bounds how many of this resource's device-mates may have a
	// HASH_COLUMN/HASH_COLUMN_LEAVES/HASH_LEAF callback in flight at
	// once (spec.md §6's per-device GPU-stream concurrency bound).
	// Shared by every resource whose id maps to the same device.
	sem *semaphore.Weighted

	schedC, schedR *scheduler.Scheduler
	workC, workR   scheduler.WorkItem
	moreC          bool
	lastItem       bool

	state     ResourceState
	asyncDone atomic.Bool
	gotLock   bool // whether this resource currently holds shr.mu (last item only)

	valid      atomic.Uint64
	validCount uint64
	startNode  uint64

	lastLayerData SectorValues // flattened [sector*B+i], last encoding layer
	replicaData   SectorValues // flattened [sector*B+i], encoded tree-R leaves

	groupLeavesC []SectorValues // len B, raw column hash per local node
	groupLeavesR []SectorValues // len B, raw (encoded) tree-R leaf per local node

	arenaC []SectorValues
	arenaR []SectorValues

	err error
}

// NewResource builds one stream's Resource over its share of the
// partition's node range, resourceID in [0, Config.ResourceCount).
func NewResource(cfg *Config, d derived, shr *sharedResults, resourceID int, sem *semaphore.Weighted) (*Resource, error) {
	schedC, err := scheduler.NewForResource(d.nodesPerStream, cfg.BatchSize, cfg.Params.NumTreeRCArity)
	if err != nil {
		return nil, fmt.Errorf("gpuengine: resource %d tree-C scheduler: %w", resourceID, err)
	}
	schedR, err := scheduler.NewForResource(d.nodesPerStream, cfg.BatchSize, cfg.Params.NumTreeRCArity)
	if err != nil {
		return nil, fmt.Errorf("gpuengine: resource %d tree-R scheduler: %w", resourceID, err)
	}
	if schedC.Len() != schedR.Len() {
		return nil, fmt.Errorf("gpuengine: tree-C/tree-R schedules diverge in length (%d vs %d)", schedC.Len(), schedR.Len())
	}

	return &Resource{
		id:      resourceID,
		cfg:     cfg,
		d:       d,
		shr:     shr,
		sem:     sem,
		schedC:  schedC,
		schedR:  schedR,
		arenaC:  make([]SectorValues, schedC.ArenaSize),
		arenaR:  make([]SectorValues, schedR.ArenaSize),
	}, nil
}

// Done reports whether this resource's FSM has reached its terminal
// state for the current partition.
func (r *Resource) Done() bool {
	return r.state == StateDone
}

// Err returns the first fatal error this resource's FSM hit, if any.
// Once set, Step becomes a no-op — spec.md §7 treats reader/writer
// failures and precondition violations as fatal assertions, which in
// Go idiom means surfacing an error rather than continuing silently.
func (r *Resource) Err() error {
	return r.err
}

// Reset rewinds both schedulers and FSM state so this Resource can be
// reused for the next partition.
func (r *Resource) Reset() {
	r.schedC.Reset()
	r.schedR.Reset()
	r.state = StateIdle
	r.asyncDone.Store(false)
	r.gotLock = false
	r.err = nil
}

// Step attempts exactly one FSM transition. It returns immediately,
// without blocking, whether or not a transition happened — the
// Orchestrator is expected to call Step on every live Resource in a
// tight round-robin, per spec.md §5's "no condition variables on GPU
// completion" constraint.
func (r *Resource) Step() {
	if r.err != nil || r.state == StateDone {
		return
	}
	switch r.state {
	case StateIdle:
		r.stepIdle()
	case StateDataRead:
		r.stepDataRead()
	case StateDataWait:
		if r.valid.Load() == r.validCount {
			r.stepDataWait()
		}
	case StateHashColumn:
		if r.cfg.Batcher.Size() >= 1 {
			r.stepHashColumn()
		}
	case StateHashColumnLeaves:
		if r.asyncDone.Load() && (r.cfg.TreeROnly || r.cfg.Batcher.Size() >= 1) {
			r.stepHashColumnLeaves()
		}
	case StateHashLeaf:
		r.stepHashLeaf()
	case StateHashWait:
		if r.asyncDone.Load() {
			if r.lastItem {
				r.state = StateDone
			} else {
				r.state = StateIdle
			}
		}
	}
}

func (r *Resource) stepIdle() {
	wc, moreC := r.schedC.Next()
	wr, _ := r.schedR.Next()
	r.workC, r.workR = wc, wr
	r.moreC = moreC
	r.lastItem = !moreC
	r.asyncDone.Store(false)

	switch {
	case wc.IsLeaf && r.cfg.DisableReads:
		if err := r.loadFromCachedSlot(); err != nil {
			r.err = err
			return
		}
		r.state = StateHashColumn
	case wc.IsLeaf:
		r.state = StateDataRead
	default:
		r.state = StateHashLeaf
	}
}

func (r *Resource) groupStartNode() uint64 {
	return r.workC.Idx.Index*r.cfg.BatchSize + r.d.nodesPerStream*uint64(r.id) + uint64(r.cfg.Partition)*r.d.nodesPerPartition
}

func (r *Resource) stepDataRead() {
	r.startNode = r.groupStartNode()
	batch := uint64(r.d.sectors) * r.cfg.BatchSize
	r.validCount = batch * uint64(r.cfg.Params.NumLayers)
	r.valid.Store(0)
	if err := r.cfg.Reader.LoadLayers(r.id, r.startNode, batch, 0, r.cfg.Params.NumLayers, &r.valid, r.validCount); err != nil {
		r.err = fmt.Errorf("gpuengine: resource %d load layers: %w", r.id, err)
		return
	}
	r.state = StateDataWait
}

// loadFromCachedSlot implements the FSM's "reads disabled (test mode)"
// IDLE branch: it reuses whatever is already sitting in this
// resource's reader slot instead of issuing a fresh load.
func (r *Resource) loadFromCachedSlot() error {
	r.startNode = r.groupStartNode()
	if err := r.extractLastLayer(); err != nil {
		return err
	}
	copy(r.replicaData, r.lastLayerData)
	return nil
}

func (r *Resource) extractLastLayer() error {
	B := r.cfg.BatchSize
	S := uint64(r.d.sectors)
	N := uint64(r.cfg.Params.NumLayers)
	slot := r.cfg.Reader.GetSlot(r.id)
	elemSize := uint64(poseidon.FrSize)

	need := (N * S * B) * elemSize
	if uint64(len(slot)) < need {
		return fmt.Errorf("gpuengine: resource %d slot too small: have %d, need %d", r.id, len(slot), need)
	}

	lastOff := (N - 1) * S * B * elemSize
	r.lastLayerData = make(SectorValues, S*B)
	for i := range r.lastLayerData {
		copy(r.lastLayerData[i][:], slot[lastOff+uint64(i)*elemSize:])
	}
	r.replicaData = make(SectorValues, S*B)
	return nil
}

func (r *Resource) stepDataWait() {
	if err := r.extractLastLayer(); err != nil {
		r.err = err
		return
	}
	copy(r.replicaData, r.lastLayerData)

	B := r.cfg.BatchSize
	for s := 0; s < r.d.sectors; s++ {
		df := r.cfg.DataFiles[s]
		if df == nil {
			continue
		}
		sub := r.replicaData[uint64(s)*B : uint64(s)*B+B]
		if err := df.EncodeReplica(r.startNode, B, sub); err != nil {
			r.err = fmt.Errorf("gpuengine: resource %d sector %d encode replica: %w", r.id, s, err)
			return
		}
	}

	if r.cfg.TreeROnly {
		// No column pass runs: the encoded replica values are the
		// tree-R leaves directly, and nothing is left in flight.
		leavesR := make([]SectorValues, B)
		for i := uint64(0); i < B; i++ {
			vals := make(SectorValues, r.d.sectors)
			for s := 0; s < r.d.sectors; s++ {
				vals[s] = r.replicaData[uint64(s)*B+i]
			}
			leavesR[i] = vals
		}
		r.groupLeavesR = leavesR
		r.asyncDone.Store(true)
		r.state = StateHashColumnLeaves
		return
	}

	r.enqueueSealedWrite()
	r.state = StateHashColumn
}

func (r *Resource) enqueueSealedWrite() {
	B := r.cfg.BatchSize
	S := r.d.sectors
	elemSize := uint64(poseidon.FrSize)

	src := make([][]byte, S)
	dst := make([]bufferpool.Writer, S)
	for s := 0; s < S; s++ {
		chunk := make([]byte, B*elemSize)
		for i := uint64(0); i < B; i++ {
			copy(chunk[i*elemSize:], r.replicaData[uint64(s)*B+i][:])
		}
		src[s] = chunk
		dst[s] = r.cfg.SealedWriters[s]
	}

	buf := r.cfg.Batcher.Dequeue()
	buf.Src = src
	buf.Dst = dst
	buf.Offset = r.startNode * elemSize
	buf.Size = B * elemSize
	buf.Stride = 1
	buf.Reverse = true
	r.cfg.Batcher.Enqueue(buf)
}

// stepHashColumn dispatches the GPU column-Poseidon pass: one
// per-node, per-sector hash over all N encoding layers, producing this
// group's raw tree-C leaves. Async per spec.md §4.5; the completion
// this state "schedules" is observed by HASH_COLUMN_LEAVES's
// precondition on the next poll.
func (r *Resource) stepHashColumn() {
	if !r.sem.TryAcquire(1) {
		return
	}
	r.asyncDone.Store(false)
	slot := r.cfg.Reader.GetSlot(r.id)
	B := r.cfg.BatchSize
	S := uint64(r.d.sectors)
	N := uint64(r.cfg.Params.NumLayers)
	elemSize := uint64(poseidon.FrSize)
	hasher := r.cfg.Hasher

	go func() {
		defer r.sem.Release(1)
		leaves := make([]SectorValues, B)
		for i := uint64(0); i < B; i++ {
			vals := make(SectorValues, S)
			for s := uint64(0); s < S; s++ {
				col := make([]poseidon.Fr, N)
				for li := uint64(0); li < N; li++ {
					off := (li*S*B + s*B + i) * elemSize
					copy(col[li][:], slot[off:])
				}
				h, err := hasher.HashColumn(col)
				if err != nil {
					r.err = fmt.Errorf("gpuengine: resource %d hash column: %w", r.id, err)
					return
				}
				vals[s] = h
			}
			leaves[i] = vals
		}
		r.groupLeavesC = leaves

		leavesR := make([]SectorValues, B)
		for i := uint64(0); i < B; i++ {
			vals := make(SectorValues, S)
			for s := uint64(0); s < S; s++ {
				vals[s] = r.replicaData[s*B+i]
			}
			leavesR[i] = vals
		}
		r.groupLeavesR = leavesR

		r.asyncDone.Store(true)
	}()
	r.state = StateHashColumnLeaves
}

// stepHashColumnLeaves dispatches the arity-A reduction of this
// group's column leaves all the way up to its group root (fused per
// reduceGroup's doc comment), writing every layer's nodes at their
// exact on-disk offsets and populating the arena slot each scheduler's
// next internal WorkItem will read.
func (r *Resource) stepHashColumnLeaves() {
	if !r.sem.TryAcquire(1) {
		return
	}
	r.asyncDone.Store(false)
	groupIndex := r.workC.Idx.Index
	arity := r.d.arity
	hasher := r.cfg.Hasher
	discard := r.d.discardLayers
	treeROnly := r.cfg.TreeROnly
	treeCAddr, treeRAddr := r.cfg.TreeCAddr, r.cfg.TreeRAddr
	treeCWriters, treeRWriters := r.cfg.TreeCWriters, r.cfg.TreeRWriters
	batcher := r.cfg.Batcher
	leavesC, leavesR := r.groupLeavesC, r.groupLeavesR
	// Streams own consecutive, equal slices of every layer: resource id
	// starts at id*nodesPerStream/A^layer within that layer.
	streamOffset := make([]uint64, r.d.groupHeight+1)
	for l, n := 0, r.d.nodesPerStream; l <= r.d.groupHeight; l, n = l+1, n/arity {
		streamOffset[l] = uint64(r.id) * n
	}

	go func() {
		defer r.sem.Release(1)
		if !treeROnly {
			rootC, err := reduceGroup(hasher, arity, groupIndex, leavesC, func(layer int, idx uint64, values []poseidon.Fr) {
				emitNode(batcher, treeCWriters, treeCAddr, layer, streamOffset[layer]+idx, values)
			})
			if err != nil {
				r.err = fmt.Errorf("gpuengine: resource %d reduce tree-C group: %w", r.id, err)
				return
			}
			r.arenaC[r.workC.Handle] = rootC
		}

		rootR, err := reduceGroup(hasher, arity, groupIndex, leavesR, func(layer int, idx uint64, values []poseidon.Fr) {
			if uint64(layer) >= discard {
				emitNode(batcher, treeRWriters, treeRAddr, layer-int(discard), streamOffset[layer]+idx, values)
			}
		})
		if err != nil {
			r.err = fmt.Errorf("gpuengine: resource %d reduce tree-R group: %w", r.id, err)
			return
		}
		r.arenaR[r.workR.Handle] = rootR

		r.asyncDone.Store(true)
	}()
	r.state = StateHashWait
}

// hashLeafBuffersNeeded is the "[tree_c?] + [layer > D?]" precondition
// term from spec.md §4.5's HASH_LEAF row.
func (r *Resource) hashLeafBuffersNeeded() int {
	need := 0
	if !r.cfg.TreeROnly {
		need++
	}
	if r.realLayer() >= int(r.d.discardLayers) {
		need++
	}
	return need
}

func (r *Resource) realLayer() int {
	return r.d.groupHeight + int(r.workC.Idx.Layer)
}

// stepHashLeaf gathers arity previously produced buffers (the arena
// slots named by this WorkItem's Inputs) and hashes one internal node
// of tree-C and/or tree-R, per the generic (non-leaf-group) branch of
// spec.md §4.5's HASH_LEAF row.
func (r *Resource) stepHashLeaf() {
	need := r.hashLeafBuffersNeeded()
	if need > 0 && r.cfg.Batcher.Size() < need {
		return
	}
	if r.lastItem && !r.gotLock {
		if !r.shr.mu.TryLock() {
			return
		}
		r.gotLock = true
	}
	if !r.sem.TryAcquire(1) {
		return
	}

	r.asyncDone.Store(false)
	layer := r.realLayer()
	arity := r.d.arity
	streamNodes := r.d.nodesPerStream
	for l := 0; l < layer; l++ {
		streamNodes /= arity
	}
	index := uint64(r.id)*streamNodes + r.workC.Idx.Index
	hasher := r.cfg.Hasher
	treeROnly := r.cfg.TreeROnly
	discard := r.d.discardLayers
	treeCAddr, treeRAddr := r.cfg.TreeCAddr, r.cfg.TreeRAddr
	treeCWriters, treeRWriters := r.cfg.TreeCWriters, r.cfg.TreeRWriters
	batcher := r.cfg.Batcher
	inputsC, inputsR := r.workC.Inputs, r.workR.Inputs
	handleC, handleR := r.workC.Handle, r.workR.Handle
	arenaC, arenaR := r.arenaC, r.arenaR
	last := r.lastItem
	resourceID := r.id
	shr := r.shr

	go func() {
		defer r.sem.Release(1)
		var valC SectorValues
		if !treeROnly {
			vc, err := combine(hasher, arity, inputsC, arenaC)
			if err != nil {
				r.err = fmt.Errorf("gpuengine: resource %d hash internal tree-C node: %w", resourceID, err)
				return
			}
			valC = vc
			arenaC[handleC] = valC
			emitNode(batcher, treeCWriters, treeCAddr, layer, index, valC)
		}

		valR, err := combine(hasher, arity, inputsR, arenaR)
		if err != nil {
			r.err = fmt.Errorf("gpuengine: resource %d hash internal tree-R node: %w", resourceID, err)
			return
		}
		arenaR[handleR] = valR
		if uint64(layer) >= discard {
			emitNode(batcher, treeRWriters, treeRAddr, layer-int(discard), index, valR)
		}

		if last {
			// shr.mu is already held from the TryLock taken by the
			// precondition check; stash the final leaves and release it.
			if !treeROnly {
				shr.c[resourceID] = valC
			}
			shr.r[resourceID] = valR
			shr.mu.Unlock()
		}

		r.asyncDone.Store(true)
	}()
	r.state = StateHashWait
}

func combine(hasher *poseidon.Hasher, arity uint64, inputs []int, arena []SectorValues) (SectorValues, error) {
	if uint64(len(inputs)) != arity {
		return nil, fmt.Errorf("gpuengine: expected %d inputs, got %d", arity, len(inputs))
	}
	sectors := len(arena[inputs[0]])
	out := make(SectorValues, sectors)
	for s := 0; s < sectors; s++ {
		children := make([]poseidon.Fr, arity)
		for k, h := range inputs {
			children[k] = arena[h][s]
		}
		v, err := hasher.HashTree(children)
		if err != nil {
			return nil, err
		}
		out[s] = v
	}
	return out, nil
}

// emitNode queues one disk write covering a single tree node across
// every sector, at its exact TreeAddress byte offset.
func emitNode(batcher *bufferpool.Batcher, writers []bufferpool.Writer, addr treeaddr.Address, layer int, index uint64, values []poseidon.Fr) {
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
	buf.Offset = addr.Address(layer, index)
	buf.Size = treeaddr.NodeSize
	buf.Stride = 1
	buf.Reverse = false
	batcher.Enqueue(buf)
}
