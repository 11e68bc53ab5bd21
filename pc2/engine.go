// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pc2 wires every other package behind one entry point,
// Engine.Hash: filelayout opens the files, reader/DataFile supply the
// encoding layers and optional sealed data, gpuengine does the bulk
// Poseidon reduction, cputophash finishes each partition's small top,
// partition sequences the partitions with the software-pipelined
// handoff, and this package writes the resulting roots into p_aux.
package pc2

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/pc2tree/bufferpool"
	"github.com/luxfi/pc2tree/config"
	"github.com/luxfi/pc2tree/diskwriter"
	"github.com/luxfi/pc2tree/filelayout"
	"github.com/luxfi/pc2tree/gpuengine"
	"github.com/luxfi/pc2tree/partition"
	"github.com/luxfi/pc2tree/poseidon"
	"github.com/luxfi/pc2tree/reader"
	"github.com/luxfi/pc2tree/treeaddr"
)

// Engine is one configured PC2 run: it owns the Prometheus registry
// and logger every Hash call reports through, but holds no per-run
// state between calls so a single Engine can process many sector
// batches in sequence.
type Engine struct {
	Config   *config.EngineConfig
	Logger   *zap.Logger
	Metrics  *Metrics
	Registry *prometheus.Registry
}

// New builds an Engine from a validated configuration. A nil logger
// defaults to a no-op logger.
func New(cfg *config.EngineConfig, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	return &Engine{
		Config:   cfg,
		Logger:   logger,
		Metrics:  newMetrics(reg),
		Registry: reg,
	}, nil
}

// Hash runs one full PC2 pass over ParallelSectors sectors processed
// in lock-step: sectorIDs and dataFiles each have one entry per
// sector (a nil DataFile entry marks that sector CC); layers has one
// LayerSource per encoding layer, already spanning every sector in
// sector-major order within each ReadLayer call. It returns the final
// [root_c | root_r] roots (one element per sector) after writing them
// into each sector's p_aux file.
func (e *Engine) Hash(ctx context.Context, sectorIDs []int, layers []reader.LayerSource, dataFiles []*reader.DataFile) (partition.Roots, error) {
	cfg := e.Config
	sectors := len(sectorIDs)
	if sectors != cfg.Sector.ParallelSectors {
		return partition.Roots{}, fmt.Errorf("pc2: got %d sector IDs, want ParallelSectors=%d", sectors, cfg.Sector.ParallelSectors)
	}
	if len(dataFiles) != sectors {
		return partition.Roots{}, fmt.Errorf("pc2: got %d data files, want %d", len(dataFiles), sectors)
	}

	treeCAddr, err := treeaddr.NewForParams(cfg.Sector)
	if err != nil {
		return partition.Roots{}, fmt.Errorf("pc2: tree-C address: %w", err)
	}
	treeRAddr, err := treeaddr.NewTreeRForParams(cfg.Sector)
	if err != nil {
		return partition.Roots{}, fmt.Errorf("pc2: tree-R address: %w", err)
	}
	sectorBytes := cfg.Sector.NumNodesPerSector * uint64(poseidon.FrSize)

	ofs := make([]*filelayout.OpenFiles, sectors)
	defer func() {
		for _, of := range ofs {
			if of != nil {
				_ = of.Close()
			}
		}
	}()
	for i, id := range sectorIDs {
		l := filelayout.Layout{
			Out:           cfg.OutputDir,
			SectorID:      id,
			NumSectors:    cfg.Sector.ParallelSectors,
			NumPartitions: int(cfg.Sector.NumTreeRCFiles),
		}
		of, err := l.Open(treeCAddr.DataSize(), treeRAddr.DataSize(), sectorBytes, cfg.TreeROnly)
		if err != nil {
			return partition.Roots{}, fmt.Errorf("pc2: opening sector %d files: %w", id, err)
		}
		ofs[i] = of
	}

	numPartitions := int(cfg.Sector.NumTreeRCFiles)
	treeCWritersByPartition := make([][]bufferpool.Writer, numPartitions)
	treeRWritersByPartition := make([][]bufferpool.Writer, numPartitions)
	sealedWriters := make([]bufferpool.Writer, sectors)
	for i, of := range ofs {
		sealedWriters[i] = of.Sealed
	}
	for p := 0; p < numPartitions; p++ {
		tc := make([]bufferpool.Writer, sectors)
		tr := make([]bufferpool.Writer, sectors)
		for i, of := range ofs {
			if !cfg.TreeROnly {
				tc[i] = of.TreeC[p]
			}
			tr[i] = of.TreeR[p]
		}
		treeCWritersByPartition[p] = tc
		treeRWritersByPartition[p] = tr
	}

	batchNodes := uint64(sectors) * cfg.Topology.BatchSize
	hr, err := reader.NewHostReader(layers, cfg.Topology.StreamCount, batchNodes, cfg.BigEndian)
	if err != nil {
		return partition.Roots{}, fmt.Errorf("pc2: building reader: %w", err)
	}
	pinned, err := hr.GetFullBuffer()
	if err != nil {
		return partition.Roots{}, fmt.Errorf("pc2: pinning reader buffer: %w", err)
	}
	e.Logger.Info("registered pinned reader buffer", zap.Int("bytes", len(pinned)))
	defer e.Logger.Info("released pinned reader buffer")

	pool := bufferpool.NewPool(cfg.Topology.DiskIOBatchSize, numHostBatches(cfg), numHostEmptyBatches(cfg), func() *bufferpool.BufToDisk { return &bufferpool.BufToDisk{} })
	batcher := bufferpool.NewBatcher(pool)

	dw := diskwriter.New(pool, cfg.Topology.Writers(), cfg.Topology.DisableFileWrites)
	dwCtx, dwCancel := context.WithCancel(ctx)
	dwDone := make(chan error, 1)
	go func() { dwDone <- dw.Run(dwCtx) }()

	hasher := poseidon.New(poseidon.DefaultConfig())

	gpuCfg := &gpuengine.Config{
		Params:               cfg.Sector,
		TreeROnly:            cfg.TreeROnly,
		Reader:               hr,
		DataFiles:            dataFiles,
		SealedWriters:        sealedWriters,
		TreeCWriters:         treeCWritersByPartition[0],
		TreeRWriters:         treeRWritersByPartition[0],
		Hasher:               hasher,
		Batcher:              batcher,
		TreeCAddr:            treeCAddr,
		TreeRAddr:            treeRAddr,
		BatchSize:            cfg.Topology.BatchSize,
		ResourceCount:        cfg.Topology.StreamCount,
		Partition:            0,
		NGPUs:                cfg.Topology.NGPUs,
		MaxInFlightPerDevice: 1,
	}

	orch, err := gpuengine.NewOrchestrator(gpuCfg)
	if err != nil {
		dwCancel()
		<-dwDone
		return partition.Roots{}, fmt.Errorf("pc2: building gpu orchestrator: %w", err)
	}

	runner := &partition.Runner{
		GPU:                     orch,
		GPUConfig:               gpuCfg,
		TreeCWritersByPartition: treeCWritersByPartition,
		TreeRWritersByPartition: treeRWritersByPartition,
		TopHasher:               hasher,
		TopArity:                uint64(cfg.Sector.NumTreeRCArity),
		TreeCAddr:               treeCAddr,
		TreeRAddr:               treeRAddr,
		Batcher:                 batcher,
		TreeROnly:               cfg.TreeROnly,
		NumPartitions:           numPartitions,
		TreeArityHasher:         hasher,
	}

	e.Logger.Info("starting partition run", zap.Int("partitions", numPartitions), zap.Int("sectors", sectors))
	roots, err := runner.Run(ctx)
	if err != nil {
		dwCancel()
		<-dwDone
		return partition.Roots{}, fmt.Errorf("pc2: running partitions: %w", err)
	}
	e.Metrics.PartitionsCompleted.Add(float64(numPartitions))
	e.Metrics.NodesHashed.Add(float64(uint64(sectors) * cfg.Sector.NumNodesPerSector))

	batcher.Flush()
	if err := waitDrain(ctx, pool, batcher); err != nil {
		dwCancel()
		<-dwDone
		return partition.Roots{}, err
	}
	dwCancel()
	if err := <-dwDone; err != nil {
		return partition.Roots{}, fmt.Errorf("pc2: disk writer: %w", err)
	}

	for i, of := range ofs {
		if err := writePAux(of, roots, i, cfg.TreeROnly); err != nil {
			return partition.Roots{}, fmt.Errorf("pc2: writing p_aux for sector %d: %w", sectorIDs[i], err)
		}
	}
	_, treeAndSealedBytes := dw.Stats()
	e.Metrics.BytesWritten.Add(float64(treeAndSealedBytes) + float64(sectors)*64)
	e.Logger.Info("partition run complete", zap.Int("partitions", numPartitions))

	return roots, nil
}

func numHostBatches(cfg *config.EngineConfig) int {
	if cfg.Topology.NumHostBatches > 0 {
		return cfg.Topology.NumHostBatches
	}
	return cfg.Topology.Writers() * 2
}

func numHostEmptyBatches(cfg *config.EngineConfig) int {
	if cfg.Topology.NumHostEmptyBatches > 0 {
		return cfg.Topology.NumHostEmptyBatches
	}
	return cfg.Topology.Writers() * 2
}

// waitDrain blocks until to_disk is empty and every batch container is
// back in pool_full/pool_empty or held by the shared Batcher's cursors
// (Flush leaves the pull cursor in place), so no disk writer still
// holds one — the "while (disk_writer_done > 0) spin" idiom of
// spec.md §5, expressed as a bounded poll rather than a condvar.
func waitDrain(ctx context.Context, pool *bufferpool.Pool, batcher *bufferpool.Batcher) error {
	for {
		if len(pool.ToDisk()) == 0 && pool.Conservation()+batcher.InFlight() == pool.Total() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("pc2: drain wait cancelled: %w", ctx.Err())
		default:
		}
		time.Sleep(time.Microsecond)
	}
}

// writePAux writes the two-field-element p_aux record for sector i:
// [root_c, root_r], or [0, root_r] when tree_r_only.
func writePAux(of *filelayout.OpenFiles, roots partition.Roots, i int, treeROnly bool) error {
	var buf [64]byte
	if !treeROnly {
		copy(buf[0:32], roots.RootC[i][:])
	}
	copy(buf[32:64], roots.RootR[i][:])
	_, err := of.PAux.WriteAt(buf[:], 0)
	return err
}
