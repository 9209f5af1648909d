package core

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/koan-os/koan/pkg/machine"
)

// maxInstLen is the longest legal instruction encoding.
const maxInstLen = 15

// StepInstruction moves the suspended context past the instruction at
// the trap address and records a debug trap, as if the target ran one
// instruction under the trap flag and stopped again. The instruction
// is not emulated: the program counter moves past it and the rest of
// the context is untouched.
func (t *Target) StepInstruction() error {
	if t.Ctx == nil {
		return errors.New("no trap context")
	}
	code := make([]byte, maxInstLen)
	n, err := t.Mem.ReadMemory(code, t.Ctx.PC)
	if n == 0 {
		return fmt.Errorf("instruction fetch at %#x: %v", t.Ctx.PC, err)
	}
	inst, err := x86asm.Decode(code[:n], 32)
	if err != nil {
		return fmt.Errorf("cannot decode instruction at %#x: %v", t.Ctx.PC, err)
	}
	t.Ctx.PC += uint32(inst.Len)
	t.Ctx.Trap = machine.TrapDebug
	t.Ctx.Err = 0
	return nil
}
