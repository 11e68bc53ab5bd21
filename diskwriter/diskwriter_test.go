// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package diskwriter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/pc2tree/bufferpool"
)

type memWriter struct {
	mu   sync.Mutex
	data []byte
}

func newMemWriter(size int) *memWriter {
	return &memWriter{data: make([]byte, size)}
}

func (m *memWriter) WriteAt(offset int64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[offset:], p)
	return nil
}

func TestPoolWritesContiguousBatch(t *testing.T) {
	const k = 2
	pool := bufferpool.NewPool(k, 1, 1, func() *bufferpool.BufToDisk {
		return &bufferpool.BufToDisk{Data: make([]byte, 64)}
	})
	dw := New(pool, 2, false)

	w := newMemWriter(32)
	batcher := bufferpool.NewBatcher(pool)

	buf := batcher.Dequeue()
	buf.Src = [][]byte{{1, 2, 3, 4}}
	buf.Dst = []bufferpool.Writer{w}
	buf.Offset = 0
	buf.Size = 4
	batcher.Enqueue(buf)

	buf2 := batcher.Dequeue()
	buf2.Src = [][]byte{{5, 6, 7, 8}}
	buf2.Dst = []bufferpool.Writer{w}
	buf2.Offset = 4
	buf2.Size = 4
	batcher.Enqueue(buf2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- dw.Run(ctx) }()

	require.Eventually(t, func() bool {
		batches, _ := dw.Stats()
		return batches >= 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, w.data[:8])
}

func TestPoolDisableWritesSkipsBytesButDrainsQueue(t *testing.T) {
	const k = 1
	pool := bufferpool.NewPool(k, 1, 1, func() *bufferpool.BufToDisk {
		return &bufferpool.BufToDisk{Data: make([]byte, 32)}
	})
	dw := New(pool, 1, true)

	w := newMemWriter(32)
	batcher := bufferpool.NewBatcher(pool)
	buf := batcher.Dequeue()
	buf.Src = [][]byte{{9, 9, 9, 9}}
	buf.Dst = []bufferpool.Writer{w}
	buf.Offset = 0
	buf.Size = 4
	batcher.Enqueue(buf)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- dw.Run(ctx) }()

	require.Eventually(t, func() bool {
		batches, _ := dw.Stats()
		return batches >= 1
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	require.Equal(t, []byte{0, 0, 0, 0}, w.data[:4])
}

// TestPoolReorderedCompletionIsIdempotent enqueues many single-buf
// batches, each targeting its own disjoint 4-byte range of one Writer,
// and drains them with several concurrent workers so batches complete
// in whatever order the scheduler happens to pick rather than FIFO —
// spec.md §8 property 4: non-overlapping pwrite-style writes must
// produce the same final file contents no matter the completion order.
func TestPoolReorderedCompletionIsIdempotent(t *testing.T) {
	const k = 1
	const n = 40
	pool := bufferpool.NewPool(k, n, n, func() *bufferpool.BufToDisk {
		return &bufferpool.BufToDisk{Data: make([]byte, 4)}
	})
	dw := New(pool, 8, false) // 8 workers racing over n=40 batches

	w := newMemWriter(n * 4)
	batcher := bufferpool.NewBatcher(pool)

	want := make([]byte, n*4)
	for i := 0; i < n; i++ {
		buf := batcher.Dequeue()
		payload := []byte{byte(i), byte(i + 1), byte(i + 2), byte(i + 3)}
		copy(want[i*4:], payload)
		buf.Src = [][]byte{payload}
		buf.Dst = []bufferpool.Writer{w}
		buf.Offset = uint64(i * 4)
		buf.Size = 4
		batcher.Enqueue(buf)
	}
	batcher.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- dw.Run(ctx) }()

	require.Eventually(t, func() bool {
		batches, _ := dw.Stats()
		return int(batches) >= n
	}, 5*time.Second, time.Millisecond)
	cancel()
	<-done

	require.Equal(t, want, w.data)
}
