package netreactor

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const (
	CheapPrepend = 8
	InitialSize  = 1024
	extraBufSize = 65536
)

var crlf = []byte("\r\n")

// Buffer is a FIFO byte queue with a reserved prepend area.
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	|                   |     (CONTENT)    |                  |
//	+-------------------+------------------+------------------+
//	0      <=      readerIndex   <=   writerIndex    <=     len(buf)
//
// A Buffer is not safe for concurrent use; each connection touches its buffers
// on its owning loop only.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
	iovs        [2][]byte
}

func NewBuffer() *Buffer {
	return NewBufferSize(InitialSize)
}

func NewBufferSize(initialSize int) *Buffer {
	return &Buffer{
		buf:         make([]byte, CheapPrepend+initialSize),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

func (b *Buffer) ReadableBytes() int {
	return b.writerIndex - b.readerIndex
}

func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writerIndex
}

func (b *Buffer) PrependableBytes() int {
	return b.readerIndex
}

// Peek returns the readable region without consuming it. The slice is only
// valid until the next mutation of the buffer.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
	} else {
		b.RetrieveAll()
	}
}

func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

func (b *Buffer) RetrieveAsBytes(n int) []byte {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	out := make([]byte, n)
	copy(out, b.buf[b.readerIndex:b.readerIndex+n])
	b.Retrieve(n)
	return out
}

func (b *Buffer) RetrieveAllAsBytes() []byte {
	return b.RetrieveAsBytes(b.ReadableBytes())
}

func (b *Buffer) RetrieveAllAsString() string {
	return string(b.RetrieveAllAsBytes())
}

func (b *Buffer) String() string {
	return string(b.Peek())
}

func (b *Buffer) Append(data []byte) {
	b.EnsureWritableBytes(len(data))
	b.writerIndex += copy(b.buf[b.writerIndex:], data)
}

func (b *Buffer) AppendString(s string) {
	b.EnsureWritableBytes(len(s))
	b.writerIndex += copy(b.buf[b.writerIndex:], s)
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

func (b *Buffer) AppendInt32(x int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(x))
	b.Append(tmp[:])
}

func (b *Buffer) PeekInt32() int32 {
	return int32(binary.BigEndian.Uint32(b.Peek()[:4]))
}

func (b *Buffer) ReadInt32() int32 {
	x := b.PeekInt32()
	b.Retrieve(4)
	return x
}

func (b *Buffer) Prepend(data []byte) {
	if !invariant(len(data) <= b.PrependableBytes(), "buffer prepend of %d bytes exceeds %d prependable", len(data), b.PrependableBytes()) {
		return
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

func (b *Buffer) PrependInt32(x int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(x))
	b.Prepend(tmp[:])
}

func (b *Buffer) EnsureWritableBytes(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	nb := make([]byte, CheapPrepend+readable+reserve)
	copy(nb[CheapPrepend:], b.Peek())
	b.buf = nb
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

// makeSpace either compacts unread bytes to the front or grows the backing
// slice. Unread bytes are preserved in both cases.
func (b *Buffer) makeSpace(n int) {
	readable := b.ReadableBytes()
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		size := b.writerIndex + n
		if grown := 2 * len(b.buf); grown > size {
			size = grown
		}
		nb := make([]byte, size)
		copy(nb, b.buf[:b.writerIndex])
		b.buf = nb
		return
	}
	copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

// ReadFd reads from fd straight into the writable region, spilling into extra
// in the same readv call so a burst does not force an up-front allocation.
// extra is scratch space owned by the caller; an event loop shares one area
// among all of its connections. It returns the byte count and the raw error.
func (b *Buffer) ReadFd(fd int, extra []byte) (int, error) {
	writable := b.WritableBytes()
	b.iovs[0] = b.buf[b.writerIndex:]
	iovs := b.iovs[:1]
	if writable < len(extra) {
		b.iovs[1] = extra
		iovs = b.iovs[:2]
	}
	n, err := unix.Readv(fd, iovs)
	b.iovs[0], b.iovs[1] = nil, nil
	if n <= 0 {
		return n, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}
