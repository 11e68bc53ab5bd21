// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the external, non-core configuration spec.md
// §6 names: SectorParameters, topology, tree_r_only, nodes_to_read,
// batch_size, stream_count, per-sector data filenames, and
// output_dir. It is intentionally thin — everything it produces is
// validated and hands straight to pc2.Engine.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/luxfi/pc2tree/sector"
)

// EngineConfig is the fully-resolved, validated configuration one
// pc2.Engine run is built from.
type EngineConfig struct {
	Sector   sector.Params
	Topology sector.Topology

	TreeROnly bool
	OutputDir string

	// DataFiles has one entry per sector; an empty string marks that
	// sector as CC (no external sealed-data encoding).
	DataFiles []string

	// BigEndian mirrors the reader contract's data_is_big_endian():
	// whether GPU inputs require byte-reversal and whether data-file
	// addition needs the pre/post byte-swap spec.md §9 describes.
	BigEndian bool

	MetricsAddr string // Prometheus /metrics listen address; empty disables it
}

// Load reads path (any format viper supports: YAML, TOML, JSON, …)
// into an EngineConfig and validates it.
func Load(path string) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("tree_r_only", false)
	v.SetDefault("big_endian", false)
	v.SetDefault("topology.disk_io_batch_size", 64)
	v.SetDefault("topology.ngpus", 1)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := &EngineConfig{}
	if err := v.UnmarshalKey("sector", &cfg.Sector); err != nil {
		return nil, fmt.Errorf("config: decoding sector params: %w", err)
	}
	if err := v.UnmarshalKey("topology", &cfg.Topology); err != nil {
		return nil, fmt.Errorf("config: decoding topology: %w", err)
	}
	cfg.TreeROnly = v.GetBool("tree_r_only")
	cfg.OutputDir = v.GetString("output_dir")
	cfg.BigEndian = v.GetBool("big_endian")
	cfg.MetricsAddr = v.GetString("metrics_addr")
	cfg.DataFiles = v.GetStringSlice("data_files")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every cross-field invariant the lower layers assume
// already holds by the time they see this configuration.
func (c *EngineConfig) Validate() error {
	if err := c.Sector.Validate(); err != nil {
		return err
	}
	if err := c.Topology.Validate(); err != nil {
		return err
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config: output_dir must be set")
	}
	if len(c.DataFiles) != 0 && len(c.DataFiles) != c.Sector.ParallelSectors {
		return fmt.Errorf("config: data_files length %d must be 0 or equal to ParallelSectors (%d)", len(c.DataFiles), c.Sector.ParallelSectors)
	}
	return nil
}
