package provider

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrChecksumMismatch is returned when a copied file does not read back with
// the checksum of its source.
var ErrChecksumMismatch = errors.New("checksum mismatch")

var crcTable = crc64.MakeTable(crc64.ISO)

// ChecksumReader wraps an io.Reader to compute a checksum while reading.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash64
	n    int64
}

// NewChecksumReader creates a new ChecksumReader that wraps the given reader
// and computes a CRC64 checksum of the data read.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{
		r:    r,
		hash: crc64.New(crcTable),
	}
}

// Read reads data from the underlying reader and updates the checksum.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += int64(n)
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the current checksum value.
func (cr *ChecksumReader) Checksum() uint64 {
	return cr.hash.Sum64()
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}

// ChecksumPool manages reusable checksum hashers to reduce allocations.
type ChecksumPool struct {
	pool sync.Pool
}

// NewChecksumPool creates a new ChecksumPool.
func NewChecksumPool() *ChecksumPool {
	return &ChecksumPool{
		pool: sync.Pool{
			New: func() any {
				return crc64.New(crcTable)
			},
		},
	}
}

// Get retrieves a hasher from the pool.
func (cp *ChecksumPool) Get() hash.Hash64 {
	return cp.pool.Get().(hash.Hash64)
}

// Put returns a hasher to the pool after resetting it.
func (cp *ChecksumPool) Put(h hash.Hash64) {
	h.Reset()
	cp.pool.Put(h)
}

// copier copies files and directory trees on the local disk using pooled
// buffers, optionally reading each written file back to verify it.
type copier struct {
	buffers   *BufferPool
	checksums *ChecksumPool
	verify    bool
}

func newCopier(verify bool) *copier {
	return &copier{
		buffers:   NewBufferPool(0),
		checksums: NewChecksumPool(),
		verify:    verify,
	}
}

// copyInto copies src (a file or directory) into dir, keeping its name.
func (c *copier) copyInto(src, dir string) error {
	return c.copyPath(src, filepath.Join(dir, filepath.Base(src)))
}

func (c *copier) copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return c.copyFile(src, dst, info.Mode().Perm())
	}
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return c.copyFile(p, target, fi.Mode().Perm())
	})
}

func (c *copier) copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	reader := NewChecksumReader(in)
	buf := c.buffers.Get()
	defer c.buffers.Put(buf)

	if _, err := io.CopyBuffer(out, reader, *buf); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	if !c.verify {
		return nil
	}
	got, err := c.sum(dst)
	if err != nil {
		return err
	}
	if got != reader.Checksum() {
		return fmt.Errorf("%s: %w", dst, ErrChecksumMismatch)
	}
	return nil
}

func (c *copier) sum(p string) (uint64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := c.checksums.Get()
	defer c.checksums.Put(h)

	buf := c.buffers.Get()
	defer c.buffers.Put(buf)

	if _, err := io.CopyBuffer(h, f, *buf); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
