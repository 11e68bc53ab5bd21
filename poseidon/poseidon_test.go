// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poseidon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashColumnDeterministic(t *testing.T) {
	h := New(Config{Backend: BackendCPU, Workers: 4})
	cols := make([]Fr, 4)
	for i := range cols {
		cols[i][31] = byte(i + 1)
	}

	a, err := h.HashColumn(cols)
	require.NoError(t, err)
	b, err := h.HashColumn(cols)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestHashTreeInputOrderChangesOutput(t *testing.T) {
	h := New(Config{Backend: BackendCPU, Workers: 1})
	var a, b Fr
	a[31] = 1
	b[31] = 2

	pair, err := h.HashTree([]Fr{a, b})
	require.NoError(t, err)

	reversed, err := h.HashTree([]Fr{b, a})
	require.NoError(t, err)

	require.NotEqual(t, pair, reversed, "order must matter for an internal node hash")
}

func TestHashEmptyInputRejected(t *testing.T) {
	h := New(Config{Backend: BackendCPU, Workers: 1})
	_, err := h.HashColumn(nil)
	require.ErrorIs(t, err, ErrEmptyInput)
}

func TestHashColumnBatchMatchesSequential(t *testing.T) {
	h := New(Config{Backend: BackendCPU, Workers: 3})

	columns := make([][]Fr, 11)
	for i := range columns {
		col := make([]Fr, 3)
		for j := range col {
			col[j][31] = byte(i*3 + j)
		}
		columns[i] = col
	}

	batched, err := h.HashColumnBatch(columns)
	require.NoError(t, err)
	require.Len(t, batched, len(columns))

	for i, col := range columns {
		want, err := h.HashColumn(col)
		require.NoError(t, err)
		require.Equal(t, want, batched[i])
	}
}
