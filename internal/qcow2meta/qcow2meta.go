// Package qcow2meta reads just enough of a qcow2 image's header to recover
// its backing-file pointer and logical size. No other package in this
// module imports it; the restore engine checks chain files through
// internal/imgtool instead. It is read-only: field layout is adapted from
// sswastik02-go-qcow2lib's QCowHeader, trimmed to the fields restore
// actually consults.
package qcow2meta

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// magic is the 4-byte qcow2 signature "QFI\xfb".
var magic = [4]byte{'Q', 'F', 'I', 0xfb}

const v3HeaderLength = 104

// Header is the subset of the qcow2 header restore needs: enough to
// recover the backing-file string and the image's logical size.
type Header struct {
	Version           uint32
	Size              uint64
	ClusterBits       uint32
	BackingFileOffset uint64
	BackingFileSize   uint32
	BackingFile       string // empty if the image has no backing file
}

// ClusterSize returns 1 << ClusterBits.
func (h Header) ClusterSize() int64 { return 1 << h.ClusterBits }

// ReadHeader parses the qcow2 header at path. It returns an error for any
// file that does not start with the qcow2 magic, including raw images.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return readHeader(f)
}

func readHeader(r io.ReadSeeker) (Header, error) {
	var raw struct {
		Magic                 uint32
		Version               uint32
		BackingFileOffset     uint64
		BackingFileSize       uint32
		ClusterBits           uint32
		Size                  uint64
		CryptMethod           uint32
		L1Size                uint32
		L1TableOffset         uint64
		RefcountTableOffset   uint64
		RefcountTableClusters uint32
		NbSnapshots           uint32
		SnapshotsOffset       uint64
	}
	if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
		return Header{}, fmt.Errorf("reading qcow2 header: %w", err)
	}
	if raw.Magic != binary.BigEndian.Uint32(magic[:]) {
		return Header{}, fmt.Errorf("not a qcow2 image: bad magic")
	}
	if raw.Version < 2 {
		return Header{}, fmt.Errorf("unsupported qcow2 version %d", raw.Version)
	}

	h := Header{
		Version:           raw.Version,
		Size:              raw.Size,
		ClusterBits:       raw.ClusterBits,
		BackingFileOffset: raw.BackingFileOffset,
		BackingFileSize:   raw.BackingFileSize,
	}
	if h.BackingFileOffset == 0 || h.BackingFileSize == 0 {
		return h, nil
	}
	if h.BackingFileSize > 1024 {
		return Header{}, fmt.Errorf("implausible backing file name length %d", h.BackingFileSize)
	}

	buf := make([]byte, h.BackingFileSize)
	if _, err := r.Seek(int64(h.BackingFileOffset), io.SeekStart); err != nil {
		return Header{}, fmt.Errorf("seeking to backing file name: %w", err)
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("reading backing file name: %w", err)
	}
	h.BackingFile = string(buf)
	return h, nil
}
