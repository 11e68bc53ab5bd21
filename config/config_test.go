// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
output_dir: /tmp/pc2-out
tree_r_only: false
big_endian: true
metrics_addr: ":9090"
data_files:
  - ""
  - /data/sector-1.dat
sector:
  num_layers: 11
  num_tree_r_c_files: 1
  num_tree_r_c_arity: 8
  num_tree_r_discard_rows: 2
  num_nodes_per_sector: 8192
  parallel_sectors: 2
topology:
  pc2_hasher_cpu: 3
  pc2_writer_cores: [4, 5]
  stream_count: 4
  ngpus: 1
  nodes_to_read: 8192
  batch_size: 64
  disk_io_batch_size: 8
`

func TestLoadParsesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pc2.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/tmp/pc2-out", cfg.OutputDir)
	require.True(t, cfg.BigEndian)
	require.Equal(t, uint32(11), cfg.Sector.NumLayers)
	require.Equal(t, 2, cfg.Sector.ParallelSectors)
	require.Equal(t, []int{4, 5}, cfg.Topology.Pc2WriterCores)
	require.Equal(t, []string{"", "/data/sector-1.dat"}, cfg.DataFiles)
}

func TestLoadRejectsMissingOutputDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pc2.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sector:
  num_layers: 1
  num_tree_r_c_files: 1
  num_tree_r_c_arity: 2
  num_nodes_per_sector: 4
  parallel_sectors: 2
topology:
  pc2_writer_cores: [0]
  stream_count: 1
  ngpus: 1
  nodes_to_read: 4
  batch_size: 2
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
