// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sector holds the value types shared by every stage of the
// PC2 tree-building pipeline: sector parameters, node addressing, and
// the topology/affinity knobs the orchestrator reads at construction.
package sector

import "fmt"

// ParallelSectors enumerates the compile-time-fixed sector counts the
// engine is allowed to run with.
var ParallelSectors = []int{2, 4, 8, 16, 32, 64, 128}

// Params describes the fixed shape of one PC2 run: the number of
// encoding layers, partitions, tree arity, discarded tree-R rows, and
// the number of sectors processed in lock-step.
type Params struct {
	NumLayers           uint32 `mapstructure:"num_layers"`            // N
	NumTreeRCFiles      uint32 `mapstructure:"num_tree_r_c_files"`    // P, partitions
	NumTreeRCArity      uint32 `mapstructure:"num_tree_r_c_arity"`    // A, typically 8
	NumTreeRDiscardRows uint32 `mapstructure:"num_tree_r_discard_rows"` // D
	NumNodesPerSector   uint64 `mapstructure:"num_nodes_per_sector"`
	NodesPerPage        uint64 `mapstructure:"nodes_per_page"`
	ParallelSectors     int    `mapstructure:"parallel_sectors"` // S, fixed at instantiation
}

// Validate checks the invariants §3 requires of SectorParams before the
// engine is allowed to build against them.
func (p Params) Validate() error {
	if p.NumLayers == 0 {
		return fmt.Errorf("sector: NumLayers must be > 0")
	}
	if p.NumTreeRCFiles == 0 {
		return fmt.Errorf("sector: NumTreeRCFiles must be > 0")
	}
	if p.NumTreeRCArity < 2 {
		return fmt.Errorf("sector: NumTreeRCArity must be >= 2")
	}
	if p.NumNodesPerSector == 0 {
		return fmt.Errorf("sector: NumNodesPerSector must be > 0")
	}
	if p.NumNodesPerSector%uint64(p.NumTreeRCFiles) != 0 {
		return fmt.Errorf("sector: NumNodesPerSector (%d) not divisible by partitions (%d)", p.NumNodesPerSector, p.NumTreeRCFiles)
	}
	ok := false
	for _, s := range ParallelSectors {
		if s == p.ParallelSectors {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("sector: ParallelSectors must be one of %v, got %d", ParallelSectors, p.ParallelSectors)
	}
	return nil
}

// NodesPerPartition is the number of leaf nodes each partition's tree
// is built over.
func (p Params) NodesPerPartition() uint64 {
	return p.NumNodesPerSector / uint64(p.NumTreeRCFiles)
}

// NodeID identifies a single node inside a tree: its layer (0 = leaves)
// and its index within that layer.
type NodeID struct {
	Layer uint32
	Index uint64
}

// Topology carries the CPU/GPU affinity and tuning knobs that spec.md
// §6 describes as external configuration, not engine-internal state.
type Topology struct {
	Pc2HasherCPU        int    `mapstructure:"pc2_hasher_cpu"`   // core pinned for the CPU top-hash worker
	Pc2Writer           int    `mapstructure:"pc2_writer"`       // legacy single-writer core, kept for config compat
	Pc2WriterCores      []int  `mapstructure:"pc2_writer_cores"` // cores for the disk-writer pool, len == W
	StreamCount         int    `mapstructure:"stream_count"`     // GPU streams total, must be a multiple of NGPUs
	NGPUs               int    `mapstructure:"ngpus"`
	NodesToRead         uint64 `mapstructure:"nodes_to_read"` // must be a multiple of StreamCount
	BatchSize           uint64 `mapstructure:"batch_size"`    // B, leaf-group size
	DiskIOBatchSize     int    `mapstructure:"disk_io_batch_size"` // K, BufToDiskBatch length
	NumHostBatches      int    `mapstructure:"num_host_batches"`
	NumHostEmptyBatches int    `mapstructure:"num_host_empty_batches"`
	DisableFileWrites   bool   `mapstructure:"disable_file_writes"` // DISABLE_FILE_WRITES benchmarking switch
}

// Validate checks the cross-field invariants spec.md §5/§6 impose.
func (t Topology) Validate() error {
	if t.StreamCount <= 0 {
		return fmt.Errorf("topology: StreamCount must be > 0")
	}
	if t.NGPUs <= 0 {
		return fmt.Errorf("topology: NGPUs must be > 0")
	}
	if t.StreamCount%t.NGPUs != 0 {
		return fmt.Errorf("topology: StreamCount (%d) must be a multiple of NGPUs (%d)", t.StreamCount, t.NGPUs)
	}
	if t.NodesToRead%uint64(t.StreamCount) != 0 {
		return fmt.Errorf("topology: NodesToRead (%d) must be a multiple of StreamCount (%d)", t.NodesToRead, t.StreamCount)
	}
	if len(t.Pc2WriterCores) == 0 {
		return fmt.Errorf("topology: Pc2WriterCores must not be empty")
	}
	if t.DiskIOBatchSize <= 0 {
		return fmt.Errorf("topology: DiskIOBatchSize must be > 0")
	}
	return nil
}

// Writers returns the size of the disk-writer pool, W.
func (t Topology) Writers() int {
	return len(t.Pc2WriterCores)
}
