// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package filelayout implements spec.md §4.8's FileLayout: the
// printf-style path templates for tree-C, tree-R-last, sealed, and
// p_aux files, the `replicas` subdirectory convention, pre-allocated
// file opening, and cleanup.
package filelayout

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Layout names every file one sector's PC2 run reads or writes.
// NumSectors==1 omits the per-sector subdirectory; NumPartitions>1
// appends a "-<partition>" suffix to the tree-C/tree-R filenames.
type Layout struct {
	Out           string
	SectorID      int
	NumSectors    int
	NumPartitions int
}

// sectorDir returns Out, or Out/<SSS> when more than one sector shares
// this Out directory.
func (l Layout) sectorDir() string {
	if l.NumSectors <= 1 {
		return l.Out
	}
	return filepath.Join(l.Out, fmt.Sprintf("%03d", l.SectorID))
}

// hasReplicasDir reports whether <out>/replicas exists, the condition
// spec.md §4.8 names for routing the sealed file there instead of Out.
func (l Layout) hasReplicasDir() bool {
	st, err := os.Stat(filepath.Join(l.Out, "replicas"))
	return err == nil && st.IsDir()
}

func treeFileName(base string, partition, numPartitions int) string {
	if numPartitions > 1 {
		return fmt.Sprintf("%s-%d.dat", base, partition)
	}
	return base + ".dat"
}

// TreeCPath returns the tree-C file path for one partition.
func (l Layout) TreeCPath(partition int) string {
	return filepath.Join(l.sectorDir(), treeFileName("sc-02-data-tree-c", partition, l.NumPartitions))
}

// TreeRPath returns the tree-R-last file path for one partition.
func (l Layout) TreeRPath(partition int) string {
	return filepath.Join(l.sectorDir(), treeFileName("sc-02-data-tree-r-last", partition, l.NumPartitions))
}

// SealedPath returns the sealed-file path, routed through <out>/replicas
// when that directory exists.
func (l Layout) SealedPath() string {
	dir := l.sectorDir()
	if l.hasReplicasDir() {
		if l.NumSectors <= 1 {
			dir = filepath.Join(l.Out, "replicas")
		} else {
			dir = filepath.Join(l.Out, "replicas", fmt.Sprintf("%03d", l.SectorID))
		}
	}
	return filepath.Join(dir, "sealed-file")
}

// PAuxPath returns this sector's p_aux file path.
func (l Layout) PAuxPath() string {
	return filepath.Join(l.sectorDir(), "p_aux")
}

// TreeFile is a pre-allocated, random-access-advised tree or sealed
// file, implementing bufferpool.Writer.
type TreeFile struct {
	f *os.File
}

// OpenPreallocated creates (or truncates) path, pre-allocates it to
// size bytes via Fallocate, and advises the kernel that access will be
// random (spec.md §4.8's "advises random I/O").
func OpenPreallocated(path string, size uint64) (*TreeFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filelayout: mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelayout: open %s: %w", path, err)
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("filelayout: fallocate %s to %d bytes: %w", path, size, err)
	}
	if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
		f.Close()
		return nil, fmt.Errorf("filelayout: fadvise %s: %w", path, err)
	}
	return &TreeFile{f: f}, nil
}

// WriteAt satisfies bufferpool.Writer.
func (t *TreeFile) WriteAt(offset int64, p []byte) error {
	_, err := t.f.WriteAt(p, offset)
	return err
}

// Close closes the backing file descriptor.
func (t *TreeFile) Close() error {
	return t.f.Close()
}

// OpenFiles is the set of file handles one sector's engine run needs:
// tree-C/tree-R per partition, the sealed file, and p_aux.
type OpenFiles struct {
	TreeC  []*TreeFile // len == numPartitions
	TreeR  []*TreeFile
	Sealed *TreeFile
	PAux   *os.File
}

// Open preallocates and opens every file this sector's run will write,
// per spec.md §4.8: tree files sized to treeSize/treeRSize bytes each,
// the sealed file sized to sectorSize bytes, p_aux created fresh.
func (l Layout) Open(treeCSize, treeRSize, sectorSize uint64, treeROnly bool) (*OpenFiles, error) {
	of := &OpenFiles{}
	for p := 0; p < l.NumPartitions; p++ {
		if !treeROnly {
			tc, err := OpenPreallocated(l.TreeCPath(p), treeCSize)
			if err != nil {
				of.Close()
				return nil, err
			}
			of.TreeC = append(of.TreeC, tc)
		}
		tr, err := OpenPreallocated(l.TreeRPath(p), treeRSize)
		if err != nil {
			of.Close()
			return nil, err
		}
		of.TreeR = append(of.TreeR, tr)
	}

	sealed, err := OpenPreallocated(l.SealedPath(), sectorSize)
	if err != nil {
		of.Close()
		return nil, err
	}
	of.Sealed = sealed

	if err := os.MkdirAll(filepath.Dir(l.PAuxPath()), 0o755); err != nil {
		of.Close()
		return nil, fmt.Errorf("filelayout: mkdir for p_aux: %w", err)
	}
	pAux, err := os.OpenFile(l.PAuxPath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		of.Close()
		return nil, fmt.Errorf("filelayout: open p_aux: %w", err)
	}
	of.PAux = pAux

	return of, nil
}

// Close closes every file handle still open, ignoring already-nil
// entries so it is safe to call after a partial Open failure.
func (of *OpenFiles) Close() error {
	var firstErr error
	closeAll := func(files []*TreeFile) {
		for _, f := range files {
			if f != nil {
				if err := f.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	closeAll(of.TreeC)
	closeAll(of.TreeR)
	if of.Sealed != nil {
		if err := of.Sealed.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if of.PAux != nil {
		if err := of.PAux.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Cleanup removes exactly the paths this Layout names: every
// partition's tree-C/tree-R file, the sealed file, and p_aux.
func (l Layout) Cleanup() error {
	var firstErr error
	remove := func(path string) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	for p := 0; p < l.NumPartitions; p++ {
		remove(l.TreeCPath(p))
		remove(l.TreeRPath(p))
	}
	remove(l.SealedPath())
	remove(l.PAuxPath())
	return firstErr
}
