// Package chunker splits a regular file's byte stream into fixed-size
// blocks without buffering the whole file. Variable-size, content-defined
// chunking is explicitly out of scope.
package chunker

import (
	"fmt"
	"io"

	"github.com/kluzzebass/vaultbackup/internal/apperr"
)

// DefaultBackupChunkSize is a reasonable default for the backup pipeline
// (64 KiB–1 MiB is the configurable range).
const DefaultBackupChunkSize = 256 * 1024

// DefaultCBTBlockSize is the block size used for per-file bitmap
// accounting in changed-block tracking.
const DefaultCBTBlockSize = 4096

// Chunker reads fixed-size blocks from an underlying reader.
type Chunker struct {
	r         io.Reader
	chunkSize int
	buf       []byte
}

// New returns a Chunker reading chunkSize blocks from r.
func New(r io.Reader, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, apperr.New("chunker.New", apperr.KindArgument, "", fmt.Errorf("chunk size must be positive, got %d", chunkSize))
	}
	return &Chunker{r: r, chunkSize: chunkSize, buf: make([]byte, chunkSize)}, nil
}

// Next returns the next block of up to chunkSize bytes. The final block of
// a file may be shorter. Returns io.EOF when the stream is exhausted.
// The returned slice is only valid until the next call to Next.
func (c *Chunker) Next() ([]byte, error) {
	n, err := io.ReadFull(c.r, c.buf)
	switch err {
	case nil, io.ErrUnexpectedEOF:
		return c.buf[:n], nil
	case io.EOF:
		return nil, io.EOF
	default:
		return nil, apperr.New("chunker.Next", apperr.KindIO, "", err)
	}
}

// Each calls fn with every block in order until the stream is exhausted or
// fn returns an error.
func (c *Chunker) Each(fn func(block []byte) error) error {
	for {
		block, err := c.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(block); err != nil {
			return err
		}
	}
}

