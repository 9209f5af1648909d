// Package machine models the saved processor state of a suspended
// 32-bit target: trap context, registers, flag bits and the memory
// image behind them. Contexts are owned by the trap delivery mechanism;
// the monitor holds a non-owning reference and flips flag bits in place
// to change how the target resumes.
package machine

import "strings"

// Regs holds the general-purpose registers in the order the trap path
// saves them.
type Regs struct {
	DI    uint32
	SI    uint32
	BP    uint32
	OldSP uint32 // saved by the push, never restored
	BX    uint32
	DX    uint32
	CX    uint32
	AX    uint32
}

// Context is the saved execution state of a suspended program.
type Context struct {
	Regs  Regs
	ES    uint16
	DS    uint16
	Trap  Trap
	Err   uint32
	PC    uint32
	CS    uint16
	Flags uint32
	SP    uint32
	SS    uint16
}

// Trap identifies the cause of a context's suspension.
type Trap int32

const (
	TrapDivide Trap = iota
	TrapDebug
	TrapNMI
	TrapBreakpoint
	TrapOverflow
	TrapBound
	TrapIllOp
	TrapDevice
	TrapDoubleFault
	_
	TrapTSS
	TrapSegNP
	TrapStack
	TrapGPFault
	TrapPageFault
	_
	TrapFPError
	TrapAlign
	TrapMachineCheck
	TrapSIMDError
)

const (
	TrapSyscall Trap = 48

	irqOffset Trap = 32
)

var trapNames = [...]string{
	"Divide error",
	"Debug",
	"Non-Maskable Interrupt",
	"Breakpoint",
	"Overflow",
	"BOUND Range Exceeded",
	"Invalid Opcode",
	"Device Not Available",
	"Double Fault",
	"Coprocessor Segment Overrun",
	"Invalid TSS",
	"Segment Not Present",
	"Stack Fault",
	"General Protection",
	"Page Fault",
	"(unknown trap)",
	"x87 FPU Floating-Point Error",
	"Alignment Check",
	"Machine-Check",
	"SIMD Floating-Point Exception",
}

func (t Trap) String() string {
	if t >= 0 && int(t) < len(trapNames) {
		return trapNames[t]
	}
	if t == TrapSyscall {
		return "System call"
	}
	if t >= irqOffset && t < irqOffset+16 {
		return "Hardware Interrupt"
	}
	return "(unknown trap)"
}

// EFLAGS bits.
const (
	FlagCF = 0x00000001 // carry
	FlagPF = 0x00000004 // parity
	FlagAF = 0x00000010 // auxiliary carry
	FlagZF = 0x00000040 // zero
	FlagSF = 0x00000080 // sign
	FlagTF = 0x00000100 // trap, stop after every instruction
	FlagIF = 0x00000200 // interrupt enable
	FlagDF = 0x00000400 // direction
	FlagOF = 0x00000800 // overflow
	FlagNT = 0x00004000 // nested task
	FlagRF = 0x00010000 // resume, suppress the pending instruction breakpoint
	FlagVM = 0x00020000 // virtual 8086 mode
	FlagAC = 0x00040000 // alignment check
)

var flagBits = []struct {
	bit  uint32
	name string
}{
	{FlagCF, "CF"},
	{FlagPF, "PF"},
	{FlagAF, "AF"},
	{FlagZF, "ZF"},
	{FlagSF, "SF"},
	{FlagTF, "TF"},
	{FlagIF, "IF"},
	{FlagDF, "DF"},
	{FlagOF, "OF"},
	{FlagNT, "NT"},
	{FlagRF, "RF"},
	{FlagVM, "VM"},
	{FlagAC, "AC"},
}

// FlagNames renders the set bits of an EFLAGS value for display, or "-"
// when none of the named bits are set.
func FlagNames(f uint32) string {
	var names []string
	for _, fb := range flagBits {
		if f&fb.bit != 0 {
			names = append(names, fb.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, " ")
}
