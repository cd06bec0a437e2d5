// Package handle implements the file-source capability required by a TFTP
// transfer: read the next chunk, and re-read the chunk most recently read
// (for retransmission without buffering it in memory). Grounded on rs_pxe's
// tftp_state.rs Handle trait and its TestTftp in-memory test double.
package handle

import (
	"fmt"
	"io"
	"os"
)

// Handle is the capability a TFTP transfer needs from its file source.
//
// Write is part of the capability set (mirroring the source contract) but
// is never called: this server rejects TFTP write requests outright (see
// SPEC_FULL.md, Non-goals).
type Handle interface {
	// Read pulls up to len(buf) bytes into buf, returning the count read.
	Read(buf []byte) (int, error)
	// RewindLast re-reads the previously-read chunk into buf, which must be
	// exactly the length of the last Read.
	RewindLast(buf []byte) (int, error)
	// Write is present for capability-set parity; unused in this server.
	Write(buf []byte) (int, error)
}

// File is a Handle backed by an os.File, used in production.
type File struct {
	f        *os.File
	lastRead int
}

// NewFile opens path for reading and wraps it in a File handle.
func NewFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("handle: open %s: %w", path, err)
	}
	return &File{f: f}, nil
}

// Size returns the file's size in bytes, used to answer a tsize=0 proposal.
func (h *File) Size() (int64, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("handle: stat: %w", err)
	}
	return fi.Size(), nil
}

func (h *File) Read(buf []byte) (int, error) {
	n, err := h.f.Read(buf)
	if err != nil && err != io.EOF {
		return n, err
	}
	h.lastRead = n
	return n, nil
}

func (h *File) RewindLast(buf []byte) (int, error) {
	if len(buf) != h.lastRead {
		return 0, fmt.Errorf("handle: buffer size %d does not match last read size %d", len(buf), h.lastRead)
	}
	if _, err := h.f.Seek(-int64(h.lastRead), io.SeekCurrent); err != nil {
		return 0, fmt.Errorf("handle: seek: %w", err)
	}
	return h.Read(buf)
}

func (h *File) Write(_ []byte) (int, error) {
	return 0, fmt.Errorf("handle: write not supported")
}

// Close releases the underlying file descriptor.
func (h *File) Close() error {
	return h.f.Close()
}

// Memory is an in-memory Handle used in tests, mirroring rs_pxe's TestTftp.
type Memory struct {
	data     []byte
	pos      int
	lastRead int
}

// NewMemory wraps data as a Handle.
func NewMemory(data []byte) *Memory {
	return &Memory{data: data}
}

// Size returns the length of the in-memory buffer.
func (h *Memory) Size() (int64, error) {
	return int64(len(h.data)), nil
}

func (h *Memory) Read(buf []byte) (int, error) {
	n := copy(buf, h.data[h.pos:])
	h.pos += n
	h.lastRead = n
	return n, nil
}

func (h *Memory) RewindLast(buf []byte) (int, error) {
	if len(buf) != h.lastRead {
		return 0, fmt.Errorf("handle: buffer size %d does not match last read size %d", len(buf), h.lastRead)
	}
	h.pos -= h.lastRead
	return h.Read(buf)
}

func (h *Memory) Write(_ []byte) (int, error) {
	return 0, fmt.Errorf("handle: write not supported")
}
