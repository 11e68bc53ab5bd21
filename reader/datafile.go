// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package reader

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/luxfi/pc2tree/poseidon"
)

// DataFile is the optional per-sector external data file spec.md §5
// describes: a read-only mmap of SECTOR_SIZE bytes, indexed by node,
// whose presence switches a sector from "CC" (committed-capacity, no
// encoding) to "non-CC" (encode the last layer with these bytes).
type DataFile struct {
	f         *os.File
	data      []byte
	bigEndian bool
}

// OpenDataFile mmaps path read-only. bigEndian must match
// Reader.DataIsBigEndian() for the sector this file belongs to.
func OpenDataFile(path string, bigEndian bool) (*DataFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reader: open data file %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reader: stat data file %s: %w", path, err)
	}
	if st.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("reader: data file %s is empty", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reader: mmap data file %s: %w", path, err)
	}
	return &DataFile{f: f, data: data, bigEndian: bigEndian}, nil
}

// Close unmaps and closes the backing file.
func (d *DataFile) Close() error {
	if err := unix.Munmap(d.data); err != nil {
		d.f.Close()
		return fmt.Errorf("reader: munmap: %w", err)
	}
	return d.f.Close()
}

// ReadElements returns `count` field elements starting at startNode,
// each still in the file's on-disk byte order (conversion happens in
// EncodeReplica, which knows whether to reverse).
func (d *DataFile) ReadElements(startNode, count uint64) ([]byte, error) {
	off := startNode * poseidon.FrSize
	n := count * poseidon.FrSize
	if off+n > uint64(len(d.data)) {
		return nil, fmt.Errorf("reader: data file read [%d,%d) exceeds file size %d", off, off+n, len(d.data))
	}
	return d.data[off : off+n], nil
}

// EncodeReplica implements the DATA_WAIT sealing step of spec.md's
// FSM table: for each of `batch` field elements read from the data
// file at startNode, byte-reverse it when the file was opened with
// bigEndian set, add (mod field) the element into replica, and store
// the sum back in replica in Fr's canonical byte form (no reversal of
// the result; any reversal for the sealed file happens at the disk
// write).
func (d *DataFile) EncodeReplica(startNode, batch uint64, replica []poseidon.Fr) error {
	raw, err := d.ReadElements(startNode, batch)
	if err != nil {
		return err
	}
	if uint64(len(replica)) < batch {
		return fmt.Errorf("reader: replica slice too small: have %d, need %d", len(replica), batch)
	}

	for i := uint64(0); i < batch; i++ {
		chunk := raw[i*poseidon.FrSize : (i+1)*poseidon.FrSize]

		var dataBytes [poseidon.FrSize]byte
		copy(dataBytes[:], chunk)
		if d.bigEndian {
			reverseInPlace(dataBytes[:])
		}

		var dataElem, replicaElem fr.Element
		dataElem.SetBytes(dataBytes[:])
		replicaElem.SetBytes(replica[i][:])
		replicaElem.Add(&replicaElem, &dataElem)

		sum := replicaElem.Bytes()
		replica[i] = poseidon.Fr(sum)
	}
	return nil
}

func reverseInPlace(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
