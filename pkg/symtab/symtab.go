// Package symtab resolves code addresses against the function and line
// tables recorded in a machine snapshot.
package symtab

import (
	"errors"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/koan-os/koan/pkg/machine"
)

// ErrNoInfo reports an address outside everything the tables cover.
var ErrNoInfo = errors.New("address has no debug information")

// LineEntry marks the start of an address range mapping to one source
// line. The range extends to the next entry, or to the end of the
// function for the last one.
type LineEntry struct {
	Addr uint32
	Line int
}

// Func describes one function's address range and line table.
type Func struct {
	Name  string
	Start uint32
	End   uint32
	File  string
	Lines []LineEntry
}

// Image records the layout symbols of the loaded kernel image.
type Image struct {
	Base  uint32 // virtual address the image is linked at
	Start uint32 // load address of the image's first byte
	Entry uint32
	Etext uint32
	Edata uint32
	End   uint32
}

const cacheSize = 256

// Table resolves addresses through sorted function ranges, memoizing
// results. Backtraces resolve every frame, so repeated walks over the
// same stack hit the cache.
type Table struct {
	funcs []Func
	cache *lru.Cache
}

// NewTable builds a resolver from the given functions. Ranges must be
// non-empty and non-overlapping.
func NewTable(funcs []Func) (*Table, error) {
	fns := make([]Func, len(funcs))
	copy(fns, funcs)
	sort.Slice(fns, func(i, j int) bool { return fns[i].Start < fns[j].Start })
	for i := range fns {
		if fns[i].End <= fns[i].Start {
			return nil, fmt.Errorf("function %s has an empty address range", fns[i].Name)
		}
		if i > 0 && fns[i].Start < fns[i-1].End {
			return nil, fmt.Errorf("function %s overlaps %s", fns[i].Name, fns[i-1].Name)
		}
		lines := fns[i].Lines
		sort.Slice(lines, func(a, b int) bool { return lines[a].Addr < lines[b].Addr })
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Table{funcs: fns, cache: cache}, nil
}

// PCToLocation resolves pc to its source location.
func (t *Table) PCToLocation(pc uint32) (machine.Location, error) {
	if cached, ok := t.cache.Get(pc); ok {
		return cached.(machine.Location), nil
	}
	i := sort.Search(len(t.funcs), func(i int) bool { return t.funcs[i].End > pc })
	if i >= len(t.funcs) || t.funcs[i].Start > pc {
		return machine.Location{}, fmt.Errorf("pc %#x: %w", pc, ErrNoInfo)
	}
	fn := &t.funcs[i]
	loc := machine.Location{
		File:      fn.File,
		Line:      lineForPC(fn, pc),
		Func:      fn.Name,
		FuncStart: fn.Start,
	}
	t.cache.Add(pc, loc)
	return loc, nil
}

func lineForPC(fn *Func, pc uint32) int {
	i := sort.Search(len(fn.Lines), func(i int) bool { return fn.Lines[i].Addr > pc })
	if i == 0 {
		return 0
	}
	return fn.Lines[i-1].Line
}

// FuncByName returns the named function's table entry.
func (t *Table) FuncByName(name string) (Func, bool) {
	for _, fn := range t.funcs {
		if fn.Name == name {
			return fn, true
		}
	}
	return Func{}, false
}
