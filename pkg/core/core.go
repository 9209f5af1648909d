// Package core loads machine snapshots, frozen images of a suspended
// target: memory segments, trap context, debug tables and image layout.
package core

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/koan-os/koan/pkg/logflags"
	"github.com/koan-os/koan/pkg/machine"
	"github.com/koan-os/koan/pkg/symtab"
)

// Target is a loaded snapshot ready for inspection. Ctx is nil when
// the snapshot carries no trap context.
type Target struct {
	Name  string
	Mem   *machine.RAM
	Ctx   *machine.Context
	Syms  *symtab.Table
	Image symtab.Image
}

type snapshotYAML struct {
	Name    string        `yaml:"name"`
	Context *contextYAML  `yaml:"context"`
	Memory  []segmentYAML `yaml:"memory"`
	Symbols []funcYAML    `yaml:"symbols"`
	Image   imageYAML     `yaml:"image"`
}

type contextYAML struct {
	Regs  regsYAML `yaml:"regs"`
	ES    uint16   `yaml:"es"`
	DS    uint16   `yaml:"ds"`
	Trap  int32    `yaml:"trap"`
	Err   uint32   `yaml:"err"`
	PC    uint32   `yaml:"pc"`
	CS    uint16   `yaml:"cs"`
	Flags uint32   `yaml:"flags"`
	SP    uint32   `yaml:"sp"`
	SS    uint16   `yaml:"ss"`
}

type regsYAML struct {
	DI    uint32 `yaml:"di"`
	SI    uint32 `yaml:"si"`
	BP    uint32 `yaml:"bp"`
	OldSP uint32 `yaml:"osp"`
	BX    uint32 `yaml:"bx"`
	DX    uint32 `yaml:"dx"`
	CX    uint32 `yaml:"cx"`
	AX    uint32 `yaml:"ax"`
}

type segmentYAML struct {
	Base uint32 `yaml:"base"`
	Size int    `yaml:"size"`
	Data []byte `yaml:"data"`
}

type lineYAML struct {
	Addr uint32 `yaml:"addr"`
	Line int    `yaml:"line"`
}

type funcYAML struct {
	Name  string     `yaml:"name"`
	Start uint32     `yaml:"start"`
	End   uint32     `yaml:"end"`
	File  string     `yaml:"file"`
	Lines []lineYAML `yaml:"lines"`
}

type imageYAML struct {
	Base  uint32 `yaml:"base"`
	Start uint32 `yaml:"start"`
	Entry uint32 `yaml:"entry"`
	Etext uint32 `yaml:"etext"`
	Edata uint32 `yaml:"edata"`
	End   uint32 `yaml:"end"`
}

// Load reads a snapshot file and assembles the target it describes.
func Load(path string) (*Target, error) {
	log := logflags.SnapshotLogger()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap snapshotYAML
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %v", path, err)
	}

	mem := machine.NewRAM()
	for _, seg := range snap.Memory {
		contents := seg.Data
		if seg.Size > len(contents) {
			grown := make([]byte, seg.Size)
			copy(grown, contents)
			contents = grown
		}
		if len(contents) == 0 {
			return nil, fmt.Errorf("snapshot %s: segment at %#x has neither size nor data", path, seg.Base)
		}
		if err := mem.Map(seg.Base, contents); err != nil {
			return nil, fmt.Errorf("snapshot %s: %v", path, err)
		}
	}

	funcs := make([]symtab.Func, len(snap.Symbols))
	for i, fy := range snap.Symbols {
		fn := symtab.Func{Name: fy.Name, Start: fy.Start, End: fy.End, File: fy.File}
		for _, ln := range fy.Lines {
			fn.Lines = append(fn.Lines, symtab.LineEntry{Addr: ln.Addr, Line: ln.Line})
		}
		funcs[i] = fn
	}
	syms, err := symtab.NewTable(funcs)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %v", path, err)
	}

	t := &Target{
		Name: snap.Name,
		Mem:  mem,
		Syms: syms,
		Image: symtab.Image{
			Base:  snap.Image.Base,
			Start: snap.Image.Start,
			Entry: snap.Image.Entry,
			Etext: snap.Image.Etext,
			Edata: snap.Image.Edata,
			End:   snap.Image.End,
		},
	}
	if t.Name == "" {
		t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if cy := snap.Context; cy != nil {
		t.Ctx = &machine.Context{
			Regs: machine.Regs{
				DI: cy.Regs.DI, SI: cy.Regs.SI, BP: cy.Regs.BP, OldSP: cy.Regs.OldSP,
				BX: cy.Regs.BX, DX: cy.Regs.DX, CX: cy.Regs.CX, AX: cy.Regs.AX,
			},
			ES:    cy.ES,
			DS:    cy.DS,
			Trap:  machine.Trap(cy.Trap),
			Err:   cy.Err,
			PC:    cy.PC,
			CS:    cy.CS,
			Flags: cy.Flags,
			SP:    cy.SP,
			SS:    cy.SS,
		}
		log.Debugf("snapshot %s: trap %v at %#x", t.Name, t.Ctx.Trap, t.Ctx.PC)
	}
	log.Debugf("snapshot %s: %d segments, %d functions", t.Name, len(snap.Memory), len(funcs))
	return t, nil
}
