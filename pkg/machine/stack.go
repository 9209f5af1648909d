package machine

import "fmt"

// Location is the source position resolved for a code address.
type Location struct {
	File      string
	Line      int
	Func      string
	FuncStart uint32
}

// Symbolizer resolves code addresses to source locations. A failed
// resolution means the address is outside everything the debug
// information covers.
type Symbolizer interface {
	PCToLocation(pc uint32) (Location, error)
}

// FrameArgs is the number of argument words captured per frame from
// fixed offsets above the frame pointer.
const FrameArgs = 5

// Frame field offsets relative to the frame pointer.
const (
	frameLinkOffset = 0
	frameRetOffset  = 4
	frameArgOffset  = 8
)

// StackFrame is one frame of a walked call chain.
type StackFrame struct {
	// FP is the frame pointer the frame was read from.
	FP uint32
	// Ret is the saved return address, where the frame resumes in
	// its caller.
	Ret uint32
	// Args holds the captured argument words. The callee's prototype
	// decides how many are meaningful.
	Args [FrameArgs]uint32
	// Where is Ret resolved through the iterator's symbolizer, zero
	// when the iterator has none.
	Where Location
}

// StackIterator walks a frame-pointer chain one frame at a time,
// innermost first. Memory is only touched as Next advances, the chain
// is never materialized up front.
type StackIterator struct {
	fp    uint32
	atend bool
	frame StackFrame
	mem   MemoryReader
	syms  Symbolizer
	depth int
	limit int
	err   error
}

// NewStackIterator returns an iterator rooted at the context's saved
// frame pointer. A nil symbolizer leaves frames unresolved. A positive
// limit stops the walk after that many frames; otherwise it runs until
// the chain terminates at a zero link.
func NewStackIterator(mem MemoryReader, ctx *Context, syms Symbolizer, limit int) *StackIterator {
	return &StackIterator{fp: ctx.Regs.BP, mem: mem, syms: syms, limit: limit}
}

// Next advances the iterator to the next frame, returning false when
// the walk is over. After a false return the caller must check Err to
// distinguish a terminated chain from a corrupted one.
func (it *StackIterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}
	if it.fp == 0 {
		it.atend = true
		return false
	}
	if it.limit > 0 && it.depth >= it.limit {
		it.atend = true
		return false
	}
	frame, err := it.readFrame(it.fp)
	if err != nil {
		it.err = err
		return false
	}
	link, err := it.frameLink(it.fp)
	if err != nil {
		it.err = fmt.Errorf("frame link at %#x: %w", it.fp, err)
		return false
	}
	if link != 0 && link <= it.fp {
		it.err = fmt.Errorf("frame chain not monotonic: %#x links to %#x", it.fp, link)
		return false
	}
	it.frame = frame
	it.fp = link
	it.depth++
	return true
}

func (it *StackIterator) readFrame(fp uint32) (StackFrame, error) {
	frame := StackFrame{FP: fp}
	ret, err := it.returnAddress(fp)
	if err != nil {
		return frame, fmt.Errorf("return address of frame at %#x: %w", fp, err)
	}
	frame.Ret = ret
	for i := range frame.Args {
		frame.Args[i], err = it.argument(fp, i)
		if err != nil {
			return frame, fmt.Errorf("argument %d of frame at %#x: %w", i, fp, err)
		}
	}
	if it.syms != nil {
		frame.Where, err = it.syms.PCToLocation(ret)
		if err != nil {
			return frame, fmt.Errorf("frame at %#x: %w", fp, err)
		}
	}
	return frame, nil
}

func (it *StackIterator) frameLink(fp uint32) (uint32, error) {
	return ReadWord(it.mem, fp+frameLinkOffset)
}

func (it *StackIterator) returnAddress(fp uint32) (uint32, error) {
	return ReadWord(it.mem, fp+frameRetOffset)
}

func (it *StackIterator) argument(fp uint32, i int) (uint32, error) {
	return ReadWord(it.mem, fp+frameArgOffset+uint32(4*i))
}

// Frame returns the frame the iterator is positioned on. Calling Frame
// after the iterator failed panics, the chain is not trustworthy.
func (it *StackIterator) Frame() StackFrame {
	if it.err != nil {
		panic(it.err)
	}
	return it.frame
}

// Err returns the error that stopped the walk, if any.
func (it *StackIterator) Err() error {
	return it.err
}
