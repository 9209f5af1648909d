package machine

import "fmt"

// EnableSingleStep arms the trap flag so the target stops again after
// executing one instruction, and clears the resume flag so a pending
// instruction breakpoint fires. The context must hold a suspended debug
// or breakpoint trap; anything else means the caller is stepping a
// program that is not mid-debug-session, which is fatal.
func (c *Context) EnableSingleStep() {
	c.checkDebugTrap("enable single-step")
	c.Flags |= FlagTF
	c.Flags &^= FlagRF
}

// DisableSingleStep clears the trap flag and sets the resume flag so
// the interrupted instruction runs without re-trapping. The context
// must hold a suspended debug or breakpoint trap with single-step
// currently armed.
func (c *Context) DisableSingleStep() {
	c.checkDebugTrap("disable single-step")
	if c.Flags&FlagTF == 0 {
		panic("disable single-step: not in single-step mode")
	}
	c.Flags &^= FlagTF
	c.Flags |= FlagRF
}

func (c *Context) checkDebugTrap(op string) {
	if c == nil {
		panic(op + ": no trap context")
	}
	if c.Trap != TrapDebug && c.Trap != TrapBreakpoint {
		panic(fmt.Sprintf("%s: %v is not a debug or breakpoint trap", op, c.Trap))
	}
}
