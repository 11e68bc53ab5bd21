// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filelayout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathTemplatesSingleSectorSinglePartition(t *testing.T) {
	l := Layout{Out: "/tmp/out", NumSectors: 1, NumPartitions: 1}
	require.Equal(t, "/tmp/out/sc-02-data-tree-c.dat", l.TreeCPath(0))
	require.Equal(t, "/tmp/out/sc-02-data-tree-r-last.dat", l.TreeRPath(0))
	require.Equal(t, "/tmp/out/sealed-file", l.SealedPath())
	require.Equal(t, "/tmp/out/p_aux", l.PAuxPath())
}

func TestPathTemplatesMultiSectorMultiPartition(t *testing.T) {
	l := Layout{Out: "/tmp/out", SectorID: 7, NumSectors: 4, NumPartitions: 3}
	require.Equal(t, "/tmp/out/007/sc-02-data-tree-c-2.dat", l.TreeCPath(2))
	require.Equal(t, "/tmp/out/007/sc-02-data-tree-r-last-2.dat", l.TreeRPath(2))
	require.Equal(t, "/tmp/out/007/p_aux", l.PAuxPath())
}

func TestSealedPathUsesReplicasDirWhenPresent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "replicas"), 0o755))

	l := Layout{Out: dir, NumSectors: 1, NumPartitions: 1}
	require.Equal(t, filepath.Join(dir, "replicas", "sealed-file"), l.SealedPath())
}

func TestOpenAndCleanupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := Layout{Out: dir, NumSectors: 1, NumPartitions: 2}

	of, err := l.Open(64, 64, 128, false)
	require.NoError(t, err)
	require.Len(t, of.TreeC, 2)
	require.Len(t, of.TreeR, 2)
	require.NotNil(t, of.Sealed)
	require.NotNil(t, of.PAux)

	for _, p := range []string{l.TreeCPath(0), l.TreeCPath(1), l.TreeRPath(0), l.TreeRPath(1), l.SealedPath(), l.PAuxPath()} {
		st, err := os.Stat(p)
		require.NoError(t, err)
		require.False(t, st.IsDir())
	}

	require.NoError(t, of.Close())
	require.NoError(t, l.Cleanup())

	for _, p := range []string{l.TreeCPath(0), l.TreeCPath(1), l.TreeRPath(0), l.TreeRPath(1), l.SealedPath(), l.PAuxPath()} {
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err))
	}
}

func TestOpenTreeROnlySkipsTreeCFiles(t *testing.T) {
	dir := t.TempDir()
	l := Layout{Out: dir, NumSectors: 1, NumPartitions: 1}

	of, err := l.Open(64, 64, 128, true)
	require.NoError(t, err)
	require.Empty(t, of.TreeC)
	require.Len(t, of.TreeR, 1)

	_, err = os.Stat(l.TreeCPath(0))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, of.Close())
}
