// Package fsproto defines the wire protocol spoken between the file
// client and the file server. A request is a single shared page laid
// out according to the request tag, little-endian throughout; the reply
// is an int32 result (negative results carry a negated error code) and,
// for open, a second shared page holding the descriptor.
package fsproto

import (
	"bytes"
	"encoding/binary"

	"github.com/koan-os/koan/pkg/ipc"
)

const (
	PageSize   = ipc.PageSize
	MaxPathLen = 1024
	MaxNameLen = 128

	// MaxOpen bounds the client's descriptor table.
	MaxOpen = 32
)

// The request buffer is exactly one page.
var _ [PageSize]byte = ipc.Page{}

// Tag selects the request layout and the server operation.
type Tag int32

const (
	TagOpen Tag = 1 + iota
	TagSetSize
	TagRead
	TagWrite
	TagStat
	TagFlush
	TagRemove
	TagSync
)

var tagNames = map[Tag]string{
	TagOpen:    "open",
	TagSetSize: "set_size",
	TagRead:    "read",
	TagWrite:   "write",
	TagStat:    "stat",
	TagFlush:   "flush",
	TagRemove:  "remove",
	TagSync:    "sync",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return "unknown"
}

// OpenMode flags, carried in the open request.
type OpenMode int32

const (
	O_RDONLY  OpenMode = 0x0000
	O_WRONLY  OpenMode = 0x0001
	O_RDWR    OpenMode = 0x0002
	O_ACCMODE OpenMode = 0x0003

	O_CREATE OpenMode = 0x0100
	O_TRUNC  OpenMode = 0x0200
	O_EXCL   OpenMode = 0x0400
	O_MKDIR  OpenMode = 0x0800
)

// Access returns the access-mode bits of m.
func (m OpenMode) Access() OpenMode {
	return m & O_ACCMODE
}

// DevFile is the device ID the server stamps into descriptors it hands
// out.
const DevFile int32 = 'f'

// Stat is the client-side rendering of a stat reply.
type Stat struct {
	Name  string
	Size  int32
	IsDir bool
}

// Request layout offsets.
const (
	openPathOff = 0
	openModeOff = MaxPathLen

	setSizeIDOff   = 0
	setSizeSizeOff = 4

	readIDOff = 0
	readNOff  = 4

	writeIDOff   = 0
	writeNOff    = 4
	writeDataOff = 8

	statIDOff      = 0
	statNameOff    = 0
	statSizeOff    = MaxNameLen
	statIsDirOff   = MaxNameLen + 4
	flushIDOff     = 0
	removePathOff  = 0
	fdDevIDOff     = 0
	fdOffsetOff    = 4
	fdOModeOff     = 8
	fdFileIDOff    = 12
	fdPageReserved = 16
)

// WritePayloadMax is the data capacity of a single write request, the
// page minus the write header.
const WritePayloadMax = PageSize - writeDataOff

// Every layout must fit in a single page.
const (
	_ uint = PageSize - (openModeOff + 4)
	_ uint = PageSize - (writeDataOff + WritePayloadMax)
	_ uint = PageSize - (statIsDirOff + 4)
	_ uint = PageSize - (removePathOff + MaxPathLen)
	_ uint = PageSize - fdPageReserved
)

func getI32(p *ipc.Page, off int) int32 {
	return int32(binary.LittleEndian.Uint32(p[off:]))
}

func putI32(p *ipc.Page, off int, v int32) {
	binary.LittleEndian.PutUint32(p[off:], uint32(v))
}

func getString(p *ipc.Page, off, size int) string {
	b := p[off : off+size]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func putString(p *ipc.Page, off, size int, s string) {
	n := copy(p[off:off+size], s)
	for ; n < size; n++ {
		p[off+n] = 0
	}
}

// OpenReq views a page as an open request. Paths must be shorter than
// MaxPathLen; the caller validates before filling the page.
type OpenReq struct{ p *ipc.Page }

func ViewOpen(p *ipc.Page) OpenReq { return OpenReq{p} }

func (r OpenReq) Path() string        { return getString(r.p, openPathOff, MaxPathLen) }
func (r OpenReq) SetPath(path string) { putString(r.p, openPathOff, MaxPathLen, path) }
func (r OpenReq) Mode() OpenMode      { return OpenMode(getI32(r.p, openModeOff)) }
func (r OpenReq) SetMode(m OpenMode)  { putI32(r.p, openModeOff, int32(m)) }

// SetSizeReq views a page as a set_size request.
type SetSizeReq struct{ p *ipc.Page }

func ViewSetSize(p *ipc.Page) SetSizeReq { return SetSizeReq{p} }

func (r SetSizeReq) FileID() int32      { return getI32(r.p, setSizeIDOff) }
func (r SetSizeReq) SetFileID(id int32) { putI32(r.p, setSizeIDOff, id) }
func (r SetSizeReq) Size() int32        { return getI32(r.p, setSizeSizeOff) }
func (r SetSizeReq) SetSize(size int32) { putI32(r.p, setSizeSizeOff, size) }

// ReadReq views a page as a read request.
type ReadReq struct{ p *ipc.Page }

func ViewRead(p *ipc.Page) ReadReq { return ReadReq{p} }

func (r ReadReq) FileID() int32      { return getI32(r.p, readIDOff) }
func (r ReadReq) SetFileID(id int32) { putI32(r.p, readIDOff, id) }
func (r ReadReq) N() uint32          { return binary.LittleEndian.Uint32(r.p[readNOff:]) }
func (r ReadReq) SetN(n uint32)      { binary.LittleEndian.PutUint32(r.p[readNOff:], n) }

// ReadRet views a page as a read reply. The server overwrites the
// request in place; the data starts at offset zero.
type ReadRet struct{ p *ipc.Page }

func ViewReadRet(p *ipc.Page) ReadRet { return ReadRet{p} }

// Data returns the first n reply bytes, clamped to the page.
func (r ReadRet) Data(n int) []byte {
	if n < 0 {
		n = 0
	}
	if n > PageSize {
		n = PageSize
	}
	return r.p[:n]
}

// SetData installs the reply bytes and returns the count stored,
// clamped to the page.
func (r ReadRet) SetData(b []byte) int {
	n := len(b)
	if n > PageSize {
		n = PageSize
	}
	copy(r.p[:n], b[:n])
	return n
}

// WriteReq views a page as a write request. The payload lives behind an
// 8-byte header, so a single request moves at most WritePayloadMax
// bytes.
type WriteReq struct{ p *ipc.Page }

func ViewWrite(p *ipc.Page) WriteReq { return WriteReq{p} }

func (r WriteReq) FileID() int32      { return getI32(r.p, writeIDOff) }
func (r WriteReq) SetFileID(id int32) { putI32(r.p, writeIDOff, id) }
func (r WriteReq) N() uint32          { return binary.LittleEndian.Uint32(r.p[writeNOff:]) }

// Data returns the payload bytes named by the stored count.
func (r WriteReq) Data() []byte {
	n := int(r.N())
	if n > WritePayloadMax {
		n = WritePayloadMax
	}
	return r.p[writeDataOff : writeDataOff+n]
}

// SetData copies b into the payload area, truncating at capacity, and
// stores the resulting count. It returns the number of bytes staged.
func (r WriteReq) SetData(b []byte) int {
	n := len(b)
	if n > WritePayloadMax {
		n = WritePayloadMax
	}
	copy(r.p[writeDataOff:writeDataOff+n], b[:n])
	binary.LittleEndian.PutUint32(r.p[writeNOff:], uint32(n))
	return n
}

// StatReq views a page as a stat request.
type StatReq struct{ p *ipc.Page }

func ViewStat(p *ipc.Page) StatReq { return StatReq{p} }

func (r StatReq) FileID() int32      { return getI32(r.p, statIDOff) }
func (r StatReq) SetFileID(id int32) { putI32(r.p, statIDOff, id) }

// StatRet views a page as a stat reply, written over the request.
type StatRet struct{ p *ipc.Page }

func ViewStatRet(p *ipc.Page) StatRet { return StatRet{p} }

func (r StatRet) Name() string        { return getString(r.p, statNameOff, MaxNameLen) }
func (r StatRet) SetName(name string) { putString(r.p, statNameOff, MaxNameLen, name) }
func (r StatRet) Size() int32         { return getI32(r.p, statSizeOff) }
func (r StatRet) SetSize(size int32)  { putI32(r.p, statSizeOff, size) }
func (r StatRet) IsDir() bool         { return getI32(r.p, statIsDirOff) != 0 }

func (r StatRet) SetIsDir(isdir bool) {
	v := int32(0)
	if isdir {
		v = 1
	}
	putI32(r.p, statIsDirOff, v)
}

// Stat renders the reply as a Stat value.
func (r StatRet) Stat() Stat {
	return Stat{Name: r.Name(), Size: r.Size(), IsDir: r.IsDir()}
}

// FlushReq views a page as a flush request.
type FlushReq struct{ p *ipc.Page }

func ViewFlush(p *ipc.Page) FlushReq { return FlushReq{p} }

func (r FlushReq) FileID() int32      { return getI32(r.p, flushIDOff) }
func (r FlushReq) SetFileID(id int32) { putI32(r.p, flushIDOff, id) }

// RemoveReq views a page as a remove request. Paths must be shorter
// than MaxPathLen, as for open.
type RemoveReq struct{ p *ipc.Page }

func ViewRemove(p *ipc.Page) RemoveReq { return RemoveReq{p} }

func (r RemoveReq) Path() string        { return getString(r.p, removePathOff, MaxPathLen) }
func (r RemoveReq) SetPath(path string) { putString(r.p, removePathOff, MaxPathLen, path) }

// Fd views a descriptor page. The server creates the page on open and
// keeps its own mapping, so offset updates made while serving reads and
// writes are seen by the client without further messages. A zero
// device ID marks a dead descriptor; the client stores it right before
// the closing flush so the server can reclaim its open-table entry.
type Fd struct{ p *ipc.Page }

func ViewFd(p *ipc.Page) Fd { return Fd{p} }

func (f Fd) DevID() int32        { return getI32(f.p, fdDevIDOff) }
func (f Fd) SetDevID(id int32)   { putI32(f.p, fdDevIDOff, id) }
func (f Fd) Offset() int32       { return getI32(f.p, fdOffsetOff) }
func (f Fd) SetOffset(off int32) { putI32(f.p, fdOffsetOff, off) }
func (f Fd) Mode() OpenMode      { return OpenMode(getI32(f.p, fdOModeOff)) }
func (f Fd) SetMode(m OpenMode)  { putI32(f.p, fdOModeOff, int32(m)) }
func (f Fd) FileID() int32       { return getI32(f.p, fdFileIDOff) }
func (f Fd) SetFileID(id int32)  { putI32(f.p, fdFileIDOff, id) }
