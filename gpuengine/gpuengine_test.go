// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gpuengine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/luxfi/pc2tree/bufferpool"
	"github.com/luxfi/pc2tree/cputophash"
	"github.com/luxfi/pc2tree/diskwriter"
	"github.com/luxfi/pc2tree/poseidon"
	"github.com/luxfi/pc2tree/reader"
	"github.com/luxfi/pc2tree/sector"
	"github.com/luxfi/pc2tree/treeaddr"
)

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func newMemFile(size uint64) *memFile {
	return &memFile{data: make([]byte, size)}
}

func (m *memFile) WriteAt(offset int64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[offset:], p)
	return nil
}

func elemFromByte(b byte) poseidon.Fr {
	var f poseidon.Fr
	f[31] = b
	return f
}

// TestOrchestratorRunPartitionSingleStream builds one partition with a
// single resource/stream (nodesPerPartition=4, B=2, A=2, one sector,
// CC/no external data), waits for all six disk batches, and checks that
// the tree-C root's bytes at its TreeAddress offset are nonzero and the
// final roots the CPU top-hasher would consume come back through Roots().
func TestOrchestratorRunPartitionSingleStream(t *testing.T) {
	params := sector.Params{
		NumLayers:           1,
		NumTreeRCFiles:      1,
		NumTreeRCArity:      2,
		NumTreeRDiscardRows: 0,
		NumNodesPerSector:   4,
	}

	treeCAddr, err := treeaddr.NewForParams(params)
	require.NoError(t, err)
	treeRAddr, err := treeaddr.NewTreeRForParams(params)
	require.NoError(t, err)

	elems := []poseidon.Fr{elemFromByte(1), elemFromByte(2), elemFromByte(3), elemFromByte(4)}
	layer := reader.NewMemoryLayerSource(elems)
	hr, err := reader.NewHostReader([]reader.LayerSource{layer}, 1, 2, false)
	require.NoError(t, err)

	sealed := newMemFile(4 * uint64(poseidon.FrSize))
	treeC := newMemFile(treeCAddr.DataSize())
	treeR := newMemFile(treeRAddr.DataSize())

	pool := bufferpool.NewPool(2, 4, 4, func() *bufferpool.BufToDisk { return &bufferpool.BufToDisk{} })
	batcher := bufferpool.NewBatcher(pool)
	dw := diskwriter.New(pool, 2, false)

	cfg := &Config{
		Params:        params,
		Reader:        hr,
		DataFiles:     []*reader.DataFile{nil},
		SealedWriters: []bufferpool.Writer{sealed},
		TreeCWriters:  []bufferpool.Writer{treeC},
		TreeRWriters:  []bufferpool.Writer{treeR},
		Hasher:        poseidon.New(poseidon.DefaultConfig()),
		Batcher:       batcher,
		TreeCAddr:     treeCAddr,
		TreeRAddr:     treeRAddr,
		BatchSize:     2,
		ResourceCount: 1,
		Partition:     0,
	}

	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	dwCtx, dwCancel := context.WithCancel(context.Background())
	defer dwCancel()
	dwDone := make(chan error, 1)
	go func() { dwDone <- dw.Run(dwCtx) }()

	runCtx, runCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer runCancel()
	require.NoError(t, orch.RunPartition(runCtx))
	batcher.Flush()

	require.Eventually(t, func() bool {
		batches, _ := dw.Stats()
		return batches >= 6
	}, 5*time.Second, time.Millisecond)

	dwCancel()
	<-dwDone

	require.NotEqual(t, make([]byte, 32), treeC.data[treeCAddr.Address(2, 0):treeCAddr.Address(2, 0)+32])

	rootsC, rootsR := orch.Roots()
	require.Len(t, rootsC, 1)
	require.Len(t, rootsR, 1)
	require.NotZero(t, rootsC[0][0])
	require.NotZero(t, rootsR[0][0])
}

func TestOrchestratorTreeROnlySkipsTreeC(t *testing.T) {
	params := sector.Params{
		NumLayers:           1,
		NumTreeRCFiles:      1,
		NumTreeRCArity:      2,
		NumTreeRDiscardRows: 0,
		NumNodesPerSector:   4,
	}
	treeRAddr, err := treeaddr.NewTreeRForParams(params)
	require.NoError(t, err)

	elems := []poseidon.Fr{elemFromByte(5), elemFromByte(6), elemFromByte(7), elemFromByte(8)}
	layer := reader.NewMemoryLayerSource(elems)
	hr, err := reader.NewHostReader([]reader.LayerSource{layer}, 1, 2, false)
	require.NoError(t, err)

	treeR := newMemFile(treeRAddr.DataSize())
	sealed := newMemFile(4 * uint64(poseidon.FrSize))

	pool := bufferpool.NewPool(1, 4, 4, func() *bufferpool.BufToDisk { return &bufferpool.BufToDisk{} })
	batcher := bufferpool.NewBatcher(pool)
	dw := diskwriter.New(pool, 1, false)

	cfg := &Config{
		Params:        params,
		TreeROnly:     true,
		Reader:        hr,
		DataFiles:     []*reader.DataFile{nil},
		SealedWriters: []bufferpool.Writer{sealed},
		TreeRWriters:  []bufferpool.Writer{treeR},
		Hasher:        poseidon.New(poseidon.DefaultConfig()),
		Batcher:       batcher,
		TreeRAddr:     treeRAddr,
		BatchSize:     2,
		ResourceCount: 1,
		Partition:     0,
	}

	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	dwCtx, dwCancel := context.WithCancel(context.Background())
	defer dwCancel()
	dwDone := make(chan error, 1)
	go func() { dwDone <- dw.Run(dwCtx) }()

	runCtx, runCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer runCancel()
	require.NoError(t, orch.RunPartition(runCtx))
	batcher.Flush()

	require.Eventually(t, func() bool {
		batches, _ := dw.Stats()
		return batches >= 1
	}, 5*time.Second, time.Millisecond)

	dwCancel()
	<-dwDone

	rootsC, rootsR := orch.Roots()
	require.Equal(t, poseidon.Fr{}, rootsC[0][0]) // tree-C never touched
	require.NotZero(t, rootsR[0][0])
}

// addFr adds two field elements the same way reader.DataFile.EncodeReplica
// does, used to build an independent expected value for the non-CC
// encoding test below.
func addFr(a, b poseidon.Fr) poseidon.Fr {
	var ea, eb fr.Element
	ea.SetBytes(a[:])
	eb.SetBytes(b[:])
	ea.Add(&ea, &eb)
	sum := ea.Bytes()
	return poseidon.Fr(sum)
}

// runSingleStreamCCFixture runs one ResourceCount=1, 4-leaf (B=2, A=2)
// partition over elems with no external data file and returns the
// written tree-C/tree-R files plus the final Roots().
func runSingleStreamCCFixture(t *testing.T, elems []poseidon.Fr) (treeC, treeR *memFile, rootsC, rootsR []SectorValues, treeCAddr, treeRAddr treeaddr.Address) {
	t.Helper()
	params := sector.Params{
		NumLayers:           1,
		NumTreeRCFiles:      1,
		NumTreeRCArity:      2,
		NumTreeRDiscardRows: 0,
		NumNodesPerSector:   4,
	}

	treeCAddr, err := treeaddr.NewForParams(params)
	require.NoError(t, err)
	treeRAddr, err = treeaddr.NewTreeRForParams(params)
	require.NoError(t, err)

	layer := reader.NewMemoryLayerSource(elems)
	hr, err := reader.NewHostReader([]reader.LayerSource{layer}, 1, 2, false)
	require.NoError(t, err)

	sealed := newMemFile(4 * uint64(poseidon.FrSize))
	treeC = newMemFile(treeCAddr.DataSize())
	treeR = newMemFile(treeRAddr.DataSize())

	pool := bufferpool.NewPool(2, 4, 4, func() *bufferpool.BufToDisk { return &bufferpool.BufToDisk{} })
	batcher := bufferpool.NewBatcher(pool)
	dw := diskwriter.New(pool, 2, false)

	cfg := &Config{
		Params:        params,
		Reader:        hr,
		DataFiles:     []*reader.DataFile{nil},
		SealedWriters: []bufferpool.Writer{sealed},
		TreeCWriters:  []bufferpool.Writer{treeC},
		TreeRWriters:  []bufferpool.Writer{treeR},
		Hasher:        poseidon.New(poseidon.DefaultConfig()),
		Batcher:       batcher,
		TreeCAddr:     treeCAddr,
		TreeRAddr:     treeRAddr,
		BatchSize:     2,
		ResourceCount: 1,
		Partition:     0,
	}

	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	dwCtx, dwCancel := context.WithCancel(context.Background())
	defer dwCancel()
	dwDone := make(chan error, 1)
	go func() { dwDone <- dw.Run(dwCtx) }()

	runCtx, runCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer runCancel()
	require.NoError(t, orch.RunPartition(runCtx))
	batcher.Flush()

	drainPool(t, pool, batcher)

	dwCancel()
	<-dwDone

	rootsC, rootsR = orch.Roots()
	return treeC, treeR, rootsC, rootsR, treeCAddr, treeRAddr
}

// drainPool blocks until to_disk is empty and every batch container is
// back in pool_full/pool_empty or held by the Batcher's cursors, so no
// disk writer still holds one — the same predicate pc2.waitDrain polls
// on — used here instead of a batches-written threshold so these tests
// don't race the disk-writer pool under varying BatchSize/ResourceCount
// shapes.
func drainPool(t *testing.T, pool *bufferpool.Pool, batcher *bufferpool.Batcher) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(pool.ToDisk()) == 0 && pool.Conservation()+batcher.InFlight() == pool.Total()
	}, 5*time.Second, time.Millisecond)
}

func frAt(buf *memFile, addr treeaddr.Address, layer int, idx uint64) poseidon.Fr {
	var out poseidon.Fr
	off := addr.Address(layer, idx)
	copy(out[:], buf.data[off:off+32])
	return out
}

// TestOrchestratorExactColumnAndTreeHashesCC independently recomputes
// every layer of a 4-leaf, CC (no external data file) tree-C/tree-R
// pass with the same Hasher the engine itself uses, and asserts the
// on-disk bytes at every TreeAddress offset match exactly — spec.md §8
// properties 5 ("column-hash correspondence") and 6 (tree-R's leaf
// layer, the CC branch: no encoding applied).
func TestOrchestratorExactColumnAndTreeHashesCC(t *testing.T) {
	elems := []poseidon.Fr{elemFromByte(1), elemFromByte(2), elemFromByte(3), elemFromByte(4)}
	treeC, treeR, rootsC, rootsR, treeCAddr, treeRAddr := runSingleStreamCCFixture(t, elems)

	hasher := poseidon.New(poseidon.DefaultConfig())

	// tree-C layer 0: per-node column hash (N=1, so HashColumn([e_i])).
	h := make([]poseidon.Fr, 4)
	for i, e := range elems {
		v, err := hasher.HashColumn([]poseidon.Fr{e})
		require.NoError(t, err)
		h[i] = v
		require.Equal(t, v, frAt(treeC, treeCAddr, 0, uint64(i)), "tree-C leaf %d", i)
	}

	// tree-C layer 1: group roots.
	g0, err := hasher.HashTree([]poseidon.Fr{h[0], h[1]})
	require.NoError(t, err)
	g1, err := hasher.HashTree([]poseidon.Fr{h[2], h[3]})
	require.NoError(t, err)
	require.Equal(t, g0, frAt(treeC, treeCAddr, 1, 0))
	require.Equal(t, g1, frAt(treeC, treeCAddr, 1, 1))

	// tree-C layer 2: the partition root.
	rootC, err := hasher.HashTree([]poseidon.Fr{g0, g1})
	require.NoError(t, err)
	require.Equal(t, rootC, frAt(treeC, treeCAddr, 2, 0))
	require.Equal(t, rootC, rootsC[0][0])

	// tree-R: CC, so its raw leaves are the layer values themselves;
	// discard=1 means the first written layer is already the arity-2
	// combine of two raw leaves.
	rg0, err := hasher.HashTree([]poseidon.Fr{elems[0], elems[1]})
	require.NoError(t, err)
	rg1, err := hasher.HashTree([]poseidon.Fr{elems[2], elems[3]})
	require.NoError(t, err)
	require.Equal(t, rg0, frAt(treeR, treeRAddr, 0, 0))
	require.Equal(t, rg1, frAt(treeR, treeRAddr, 0, 1))

	rootR, err := hasher.HashTree([]poseidon.Fr{rg0, rg1})
	require.NoError(t, err)
	require.Equal(t, rootR, frAt(treeR, treeRAddr, 1, 0))
	require.Equal(t, rootR, rootsR[0][0])
}

// TestOrchestratorExactTreeRHashesNonCC re-runs the same fixture with
// an external per-sector data file of constant-2 nodes and checks both
// the sealed (encoded replica) bytes and the resulting tree-R hashes
// against a value computed independently via reader.DataFile's own
// field-add encoding — spec.md §8 property 6's non-CC branch.
func TestOrchestratorExactTreeRHashesNonCC(t *testing.T) {
	params := sector.Params{
		NumLayers:           1,
		NumTreeRCFiles:      1,
		NumTreeRCArity:      2,
		NumTreeRDiscardRows: 0,
		NumNodesPerSector:   4,
	}
	treeCAddr, err := treeaddr.NewForParams(params)
	require.NoError(t, err)
	treeRAddr, err := treeaddr.NewTreeRForParams(params)
	require.NoError(t, err)

	elems := []poseidon.Fr{elemFromByte(1), elemFromByte(2), elemFromByte(3), elemFromByte(4)}
	layer := reader.NewMemoryLayerSource(elems)
	hr, err := reader.NewHostReader([]reader.LayerSource{layer}, 1, 2, false)
	require.NoError(t, err)

	dataElem := elemFromByte(2)
	dataPath := filepath.Join(t.TempDir(), "data")
	raw := make([]byte, 4*poseidon.FrSize)
	for i := 0; i < 4; i++ {
		copy(raw[i*poseidon.FrSize:], dataElem[:])
	}
	require.NoError(t, os.WriteFile(dataPath, raw, 0o644))
	df, err := reader.OpenDataFile(dataPath, false)
	require.NoError(t, err)
	defer df.Close()

	sealed := newMemFile(4 * uint64(poseidon.FrSize))
	treeC := newMemFile(treeCAddr.DataSize())
	treeR := newMemFile(treeRAddr.DataSize())

	pool := bufferpool.NewPool(2, 4, 4, func() *bufferpool.BufToDisk { return &bufferpool.BufToDisk{} })
	batcher := bufferpool.NewBatcher(pool)
	dw := diskwriter.New(pool, 2, false)

	cfg := &Config{
		Params:        params,
		Reader:        hr,
		DataFiles:     []*reader.DataFile{df},
		SealedWriters: []bufferpool.Writer{sealed},
		TreeCWriters:  []bufferpool.Writer{treeC},
		TreeRWriters:  []bufferpool.Writer{treeR},
		Hasher:        poseidon.New(poseidon.DefaultConfig()),
		Batcher:       batcher,
		TreeCAddr:     treeCAddr,
		TreeRAddr:     treeRAddr,
		BatchSize:     2,
		ResourceCount: 1,
		Partition:     0,
	}

	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	dwCtx, dwCancel := context.WithCancel(context.Background())
	defer dwCancel()
	dwDone := make(chan error, 1)
	go func() { dwDone <- dw.Run(dwCtx) }()

	runCtx, runCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer runCancel()
	require.NoError(t, orch.RunPartition(runCtx))
	batcher.Flush()

	drainPool(t, pool, batcher)

	dwCancel()
	<-dwDone

	hasher := poseidon.New(poseidon.DefaultConfig())
	r := make([]poseidon.Fr, 4)
	for i, e := range elems {
		r[i] = addFr(e, dataElem)
		var sealedBytes [32]byte
		copy(sealedBytes[:], sealed.data[uint64(i)*32:])
		var want [32]byte
		for k := 0; k < 32; k++ {
			want[k] = r[i][31-k]
		}
		require.Equal(t, want[:], sealedBytes[:], "sealed bytes for node %d", i)
	}

	rg0, err := hasher.HashTree([]poseidon.Fr{r[0], r[1]})
	require.NoError(t, err)
	rg1, err := hasher.HashTree([]poseidon.Fr{r[2], r[3]})
	require.NoError(t, err)
	require.Equal(t, rg0, frAt(treeR, treeRAddr, 0, 0))
	require.Equal(t, rg1, frAt(treeR, treeRAddr, 0, 1))

	rootR, err := hasher.HashTree([]poseidon.Fr{rg0, rg1})
	require.NoError(t, err)
	require.Equal(t, rootR, frAt(treeR, treeRAddr, 1, 0))

	_, rootsR := orch.Roots()
	require.Equal(t, rootR, rootsR[0][0])
}

// TestOrchestratorMultiResourceMatchesSingleResource runs the same
// 8-leaf partition once with one stream and once with two streams
// sharing a single device (forcing the per-device semaphore to
// serialize their async callbacks) and asserts the two runs produce
// byte-identical tree-C/tree-R files — spec.md §8 property 8, "overlap
// correctness". With two streams each stream stops at its own subtree
// root, so that run finishes the top layers with cputophash, as
// partition.Runner does.
func TestOrchestratorMultiResourceMatchesSingleResource(t *testing.T) {
	elems := []poseidon.Fr{
		elemFromByte(1), elemFromByte(2), elemFromByte(3), elemFromByte(4),
		elemFromByte(5), elemFromByte(6), elemFromByte(7), elemFromByte(8),
	}

	run := func(resourceCount, numSlots int) (*memFile, *memFile) {
		params := sector.Params{
			NumLayers:           1,
			NumTreeRCFiles:      1,
			NumTreeRCArity:      2,
			NumTreeRDiscardRows: 0,
			NumNodesPerSector:   8,
		}
		treeCAddr, err := treeaddr.NewForParams(params)
		require.NoError(t, err)
		treeRAddr, err := treeaddr.NewTreeRForParams(params)
		require.NoError(t, err)

		layer := reader.NewMemoryLayerSource(elems)
		hr, err := reader.NewHostReader([]reader.LayerSource{layer}, numSlots, 2, false)
		require.NoError(t, err)

		sealed := newMemFile(8 * uint64(poseidon.FrSize))
		treeC := newMemFile(treeCAddr.DataSize())
		treeR := newMemFile(treeRAddr.DataSize())

		pool := bufferpool.NewPool(2, 4, 4, func() *bufferpool.BufToDisk { return &bufferpool.BufToDisk{} })
		batcher := bufferpool.NewBatcher(pool)
		dw := diskwriter.New(pool, 2, false)

		cfg := &Config{
			Params:               params,
			Reader:               hr,
			DataFiles:            []*reader.DataFile{nil},
			SealedWriters:        []bufferpool.Writer{sealed},
			TreeCWriters:         []bufferpool.Writer{treeC},
			TreeRWriters:         []bufferpool.Writer{treeR},
			Hasher:               poseidon.New(poseidon.DefaultConfig()),
			Batcher:              batcher,
			TreeCAddr:            treeCAddr,
			TreeRAddr:            treeRAddr,
			BatchSize:            2,
			ResourceCount:        resourceCount,
			Partition:            0,
			NGPUs:                1,
			MaxInFlightPerDevice: 1,
		}

		orch, err := NewOrchestrator(cfg)
		require.NoError(t, err)

		dwCtx, dwCancel := context.WithCancel(context.Background())
		defer dwCancel()
		dwDone := make(chan error, 1)
		go func() { dwDone <- dw.Run(dwCtx) }()

		runCtx, runCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer runCancel()
		require.NoError(t, orch.RunPartition(runCtx))
		if resourceCount > 1 {
			rootsC, rootsR := orch.Roots()
			top := &cputophash.Hasher{
				Hasher:       cfg.Hasher,
				Batcher:      batcher,
				Arity:        2,
				TreeCAddr:    treeCAddr,
				TreeRAddr:    treeRAddr,
				TreeCWriters: cfg.TreeCWriters,
				TreeRWriters: cfg.TreeRWriters,
			}
			leavesC := make([][]poseidon.Fr, len(rootsC))
			leavesR := make([][]poseidon.Fr, len(rootsR))
			for i := range rootsC {
				leavesC[i], leavesR[i] = rootsC[i], rootsR[i]
			}
			_, _, err := top.BuildTop(leavesC, leavesR)
			require.NoError(t, err)
		}
		batcher.Flush()

		drainPool(t, pool, batcher)

		dwCancel()
		<-dwDone
		return treeC, treeR
	}

	treeC1, treeR1 := run(1, 1)
	treeC2, treeR2 := run(2, 2)

	require.Equal(t, treeC1.data, treeC2.data)
	require.Equal(t, treeR1.data, treeR2.data)
}
