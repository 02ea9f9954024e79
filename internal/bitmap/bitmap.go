// Package bitmap implements a per-file block bitmap recording which
// fixed-size blocks of a file have changed, and its run-length-encoded
// on-disk form. The changed-block tracking service (internal/cbt) tracks
// whole files and does not use this package.
package bitmap

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
)

// BlockSize is the fixed block size runs are computed against, per the
// external bitmap format.
const BlockSize = 4096

// Bitmap tracks dirty/clean state for each block of a file of a known size.
type Bitmap struct {
	fileSize int64
	bits     []bool
}

// New creates a bitmap covering ceil(fileSize/BlockSize) blocks, all clear.
func New(fileSize int64) (*Bitmap, error) {
	if fileSize < 0 {
		return nil, apperr.New("bitmap.New", apperr.KindArgument, "", fmt.Errorf("negative file size %d", fileSize))
	}
	return &Bitmap{
		fileSize: fileSize,
		bits:     make([]bool, blockCount(fileSize)),
	}, nil
}

func blockCount(fileSize int64) int64 {
	if fileSize == 0 {
		return 0
	}
	return (fileSize + BlockSize - 1) / BlockSize
}

// FileSize returns the file size the bitmap was created for.
func (b *Bitmap) FileSize() int64 { return b.fileSize }

// Len returns the number of blocks tracked.
func (b *Bitmap) Len() int { return len(b.bits) }

// Set marks block i dirty (state true) or clean (state false).
func (b *Bitmap) Set(i int, state bool) error {
	if i < 0 || i >= len(b.bits) {
		return apperr.New("bitmap.Set", apperr.KindArgument, "", fmt.Errorf("block index %d out of range [0,%d)", i, len(b.bits)))
	}
	b.bits[i] = state
	return nil
}

// Get returns the state of block i.
func (b *Bitmap) Get(i int) (bool, error) {
	if i < 0 || i >= len(b.bits) {
		return false, apperr.New("bitmap.Get", apperr.KindArgument, "", fmt.Errorf("block index %d out of range [0,%d)", i, len(b.bits)))
	}
	return b.bits[i], nil
}

// Equal reports whether two bitmaps have the same file size and bit states.
func (b *Bitmap) Equal(other *Bitmap) bool {
	if other == nil || b.fileSize != other.fileSize || len(b.bits) != len(other.bits) {
		return false
	}
	for i := range b.bits {
		if b.bits[i] != other.bits[i] {
			return false
		}
	}
	return true
}

type run struct {
	state  bool
	length int32
}

func (b *Bitmap) runs() []run {
	var runs []run
	for _, bit := range b.bits {
		if len(runs) > 0 && runs[len(runs)-1].state == bit {
			runs[len(runs)-1].length++
			continue
		}
		runs = append(runs, run{state: bit, length: 1})
	}
	return runs
}

// Serialize writes the bitmap in the external run-length-encoded form:
// i64 file_size, i32 run_count, then run_count records of (u8 state, i32 run_length).
func (b *Bitmap) Serialize(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, b.fileSize); err != nil {
		return apperr.New("bitmap.Serialize", apperr.KindIO, "", err)
	}
	runs := b.runs()
	if err := binary.Write(w, binary.BigEndian, int32(len(runs))); err != nil {
		return apperr.New("bitmap.Serialize", apperr.KindIO, "", err)
	}
	for _, r := range runs {
		state := byte(0)
		if r.state {
			state = 1
		}
		if err := binary.Write(w, binary.BigEndian, state); err != nil {
			return apperr.New("bitmap.Serialize", apperr.KindIO, "", err)
		}
		if err := binary.Write(w, binary.BigEndian, r.length); err != nil {
			return apperr.New("bitmap.Serialize", apperr.KindIO, "", err)
		}
	}
	return nil
}

// Deserialize reads a bitmap previously written by Serialize.
func Deserialize(r io.Reader) (*Bitmap, error) {
	var fileSize int64
	if err := binary.Read(r, binary.BigEndian, &fileSize); err != nil {
		return nil, apperr.New("bitmap.Deserialize", apperr.KindIntegrity, "", err)
	}
	if fileSize < 0 {
		return nil, apperr.New("bitmap.Deserialize", apperr.KindIntegrity, "", fmt.Errorf("negative file size %d", fileSize))
	}
	var runCount int32
	if err := binary.Read(r, binary.BigEndian, &runCount); err != nil {
		return nil, apperr.New("bitmap.Deserialize", apperr.KindIntegrity, "", err)
	}
	if runCount < 0 {
		return nil, apperr.New("bitmap.Deserialize", apperr.KindIntegrity, "", fmt.Errorf("negative run count %d", runCount))
	}

	b := &Bitmap{fileSize: fileSize, bits: make([]bool, 0, blockCount(fileSize))}
	for i := int32(0); i < runCount; i++ {
		var state byte
		if err := binary.Read(r, binary.BigEndian, &state); err != nil {
			return nil, apperr.New("bitmap.Deserialize", apperr.KindIntegrity, "", fmt.Errorf("truncated run record %d: %w", i, err))
		}
		var length int32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, apperr.New("bitmap.Deserialize", apperr.KindIntegrity, "", fmt.Errorf("truncated run record %d: %w", i, err))
		}
		if length < 0 {
			return nil, apperr.New("bitmap.Deserialize", apperr.KindIntegrity, "", fmt.Errorf("negative run length %d at record %d", length, i))
		}
		for j := int32(0); j < length; j++ {
			b.bits = append(b.bits, state != 0)
		}
	}

	want := blockCount(fileSize)
	if int64(len(b.bits)) != want {
		return nil, apperr.New("bitmap.Deserialize", apperr.KindIntegrity, "",
			fmt.Errorf("decoded %d blocks, want %d for file size %d", len(b.bits), want, fileSize))
	}
	return b, nil
}
