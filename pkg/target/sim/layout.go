// Package sim provides a simulated little-endian MIPS target for running and
// testing the debug stub without hardware.
//
// # Memory layout
//
// The address space is a list of regions with access rights, loaded from YAML:
//
//	regions:
//	  - name: kernel
//	    base: 0x08000000
//	    size: 0x00010000
//	    perm: r
//	  - name: user
//	    base: 0x08800000
//	    size: 0x00100000
//	    perm: rwx
//	program:
//	  base: 0x08800000
//	  size: 0x00100000
//	exit_address: 0x08000000
//	stack_top: 0x088ffff0
//	threads: [idle]
//
// The program range is what the debugger treats as the debugged process.
// Returning to exit_address ends the process with v0 as exit code.
package sim

import (
	"fmt"
	"io"
	"os"

	"github.com/Manu343726/gdbstub/pkg/target"
	"github.com/Manu343726/gdbstub/pkg/utils"
	"gopkg.in/yaml.v3"
)

// RegionSpec describes a mapped memory region
type RegionSpec struct {
	Name string `yaml:"name"`
	Base uint32 `yaml:"base"`
	Size uint32 `yaml:"size"`
	Perm string `yaml:"perm"`
}

// Range is an address range
type Range struct {
	Base uint32 `yaml:"base"`
	Size uint32 `yaml:"size"`
}

// Contains reports whether addr falls inside the range
func (r Range) Contains(addr uint32) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// Layout is the memory map and process description of the simulated target
type Layout struct {
	Regions     []RegionSpec `yaml:"regions"`
	Program     Range        `yaml:"program"`
	ExitAddress uint32       `yaml:"exit_address"`
	StackTop    uint32       `yaml:"stack_top"`
	// Threads lists the names of extra threads reported besides the main one
	Threads []string `yaml:"threads"`
	// WatchUnit enables the hardware watch registers
	WatchUnit bool `yaml:"watch_unit"`
}

// DefaultLayout returns a small kernel region followed by a 1MiB user region
func DefaultLayout() Layout {
	return Layout{
		Regions: []RegionSpec{
			{Name: "kernel", Base: 0x08000000, Size: 0x00010000, Perm: "r"},
			{Name: "user", Base: 0x08800000, Size: 0x00100000, Perm: "rwx"},
		},
		Program:     Range{Base: 0x08800000, Size: 0x00100000},
		ExitAddress: 0x08000000,
		StackTop:    0x088ffff0,
		Threads:     []string{"idle"},
		WatchUnit:   true,
	}
}

// ParseLayout decodes a YAML layout
func ParseLayout(r io.Reader) (Layout, error) {
	var layout Layout
	if err := yaml.NewDecoder(r).Decode(&layout); err != nil {
		return Layout{}, utils.MakeError(ErrInvalidLayout, "%v", err)
	}
	return layout, layout.Validate()
}

// LoadLayout reads a YAML layout file
func LoadLayout(path string) (Layout, error) {
	f, err := os.Open(path)
	if err != nil {
		return Layout{}, err
	}
	defer f.Close()
	return ParseLayout(f)
}

// Validate checks that regions do not overlap and the program lives in mapped memory
func (l Layout) Validate() error {
	if len(l.Regions) == 0 {
		return utils.MakeError(ErrInvalidLayout, "no regions")
	}
	for i, r := range l.Regions {
		if r.Size == 0 {
			return utils.MakeError(ErrInvalidLayout, "region %q is empty", r.Name)
		}
		if uint64(r.Base)+uint64(r.Size) > 1<<32 {
			return utils.MakeError(ErrInvalidLayout, "region %q wraps the address space", r.Name)
		}
		if _, err := target.ParsePerm(r.Perm); err != nil {
			return utils.MakeError(ErrInvalidLayout, "region %q: %v", r.Name, err)
		}
		for _, other := range l.Regions[i+1:] {
			if r.Base < other.Base+other.Size && other.Base < r.Base+r.Size {
				return utils.MakeError(ErrInvalidLayout, "regions %q and %q overlap", r.Name, other.Name)
			}
		}
	}
	if l.Program.Size == 0 {
		return utils.MakeError(ErrInvalidLayout, "empty program range")
	}
	return nil
}

func (l Layout) String() string {
	return fmt.Sprintf("%d regions, program [0x%08x, 0x%08x)", len(l.Regions), l.Program.Base, l.Program.Base+l.Program.Size)
}
