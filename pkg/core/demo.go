package core

import (
	"encoding/binary"
	"fmt"

	"github.com/koan-os/koan/pkg/machine"
	"github.com/koan-os/koan/pkg/symtab"
)

// Demo layout addresses.
const (
	demoBase      = 0xf0000000
	demoTextBase  = 0xf0100000
	demoTextSize  = 0x200
	demoStackBase = 0xf010f000
	demoStackSize = 0x1000

	demoEntry  = 0xf010000c
	demoRetBT  = 0xf0100104 // call site of the recursive call
	demoRetIn  = 0xf010006d // call site of test_backtrace(5)
	demoRetEnt = 0xf010003e // call site of kern_init
	demoPC     = 0xf0100110 // after the breakpoint instruction
)

// Demo assembles the built-in target: a kernel stopped at a breakpoint
// at the bottom of a recursive call chain, with stack, text and debug
// tables populated so every monitor command has something to show.
func Demo() *Target {
	mem := machine.NewRAM()
	if err := mem.Map(demoTextBase, demoText()); err != nil {
		panic(fmt.Sprintf("demo image: %v", err))
	}
	if err := mem.MapZero(demoStackBase, demoStackSize); err != nil {
		panic(fmt.Sprintf("demo image: %v", err))
	}

	put := func(addr, val uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], val)
		if _, err := mem.WriteMemory(addr, b[:]); err != nil {
			panic(fmt.Sprintf("demo image: %v", err))
		}
	}

	// The call chain entry -> kern_init -> test_backtrace(5) -> ... ->
	// test_backtrace(0), innermost frame first. The chain root's saved
	// frame pointer is zero.
	frames := []struct {
		fp, link, ret uint32
		args          [machine.FrameArgs]uint32
	}{
		{0xf010ff18, 0xf010ff38, demoRetBT, [machine.FrameArgs]uint32{0, 1, 0xf010ff38, 0, 0xf0100094}},
		{0xf010ff38, 0xf010ff58, demoRetBT, [machine.FrameArgs]uint32{1, 2, 0xf010ff58, 0, 0xf0100094}},
		{0xf010ff58, 0xf010ff78, demoRetBT, [machine.FrameArgs]uint32{2, 3, 0xf010ff78, 0, 0xf0100094}},
		{0xf010ff78, 0xf010ff98, demoRetBT, [machine.FrameArgs]uint32{3, 4, 0xf010ff98, 0, 0xf0100094}},
		{0xf010ff98, 0xf010ffb8, demoRetBT, [machine.FrameArgs]uint32{4, 5, 0xf010ffb8, 0, 0xf0100094}},
		{0xf010ffb8, 0xf010ffd8, demoRetIn, [machine.FrameArgs]uint32{5, 0, 0xf010ffd8, 0, 0xf0100094}},
		{0xf010ffd8, 0, demoRetEnt, [machine.FrameArgs]uint32{0, 0, 0, 0, 0}},
	}
	for _, f := range frames {
		put(f.fp, f.link)
		put(f.fp+4, f.ret)
		for i, a := range f.args {
			put(f.fp+8+uint32(4*i), a)
		}
	}

	syms, err := symtab.NewTable([]symtab.Func{
		{
			Name: "entry", Start: demoTextBase, End: 0xf0100040, File: "kern/entry.S",
			Lines: []symtab.LineEntry{{Addr: demoTextBase, Line: 44}, {Addr: demoEntry, Line: 47}, {Addr: demoRetEnt, Line: 61}},
		},
		{
			Name: "kern_init", Start: 0xf0100040, End: 0xf01000c0, File: "kern/init.c",
			Lines: []symtab.LineEntry{{Addr: 0xf0100040, Line: 24}, {Addr: 0xf0100050, Line: 28}, {Addr: demoRetIn, Line: 31}},
		},
		{
			Name: "test_backtrace", Start: 0xf01000c0, End: 0xf0100140, File: "kern/init.c",
			Lines: []symtab.LineEntry{
				{Addr: 0xf01000c0, Line: 13}, {Addr: 0xf01000d8, Line: 15}, {Addr: 0xf01000f0, Line: 16},
				{Addr: demoRetBT, Line: 18}, {Addr: demoPC, Line: 19}, {Addr: 0xf0100120, Line: 20},
			},
		},
		{
			Name: "monitor", Start: 0xf0100140, End: 0xf01001c0, File: "kern/monitor.c",
			Lines: []symtab.LineEntry{{Addr: 0xf0100140, Line: 118}},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("demo symbols: %v", err))
	}

	return &Target{
		Name: "demo",
		Mem:  mem,
		Ctx: &machine.Context{
			Regs:  machine.Regs{BP: 0xf010ff18, AX: 0x1f, BX: 0xf0110000, CX: 0x61, DX: 0x3f8},
			ES:    0x10,
			DS:    0x10,
			Trap:  machine.TrapBreakpoint,
			PC:    demoPC,
			CS:    0x8,
			Flags: machine.FlagIF,
			SP:    0xf010ff10,
			SS:    0x10,
		},
		Syms: syms,
		Image: symtab.Image{
			Base:  demoBase,
			Start: demoEntry - demoBase,
			Entry: demoEntry,
			Etext: demoTextBase + demoTextSize,
			Edata: 0xf0112060,
			End:   0xf0112960,
		},
	}
}

// demoText fills the text segment with no-ops plus recognizable
// prologues at function entries and the epilogue the demo context is
// stopped in.
func demoText() []byte {
	text := make([]byte, demoTextSize)
	for i := range text {
		text[i] = 0x90 // nop
	}
	prologue := []byte{0x55, 0x89, 0xe5} // push ebp; mov ebp, esp
	copy(text[0x040:], prologue)         // kern_init
	copy(text[0x0c0:], prologue)         // test_backtrace
	copy(text[0x140:], prologue)         // monitor
	// The breakpoint site: int3 followed by the function epilogue.
	copy(text[0x10f:], []byte{0xcc, 0x83, 0xc4, 0x10, 0x5b, 0x5d, 0xc3})
	return text
}
