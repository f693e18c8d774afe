package sim

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/Manu343726/gdbstub/pkg/target"
	"github.com/Manu343726/gdbstub/pkg/utils"
)

type region struct {
	name string
	base uint32
	perm target.Perm
	data []byte
}

func (r *region) end() uint64 {
	return uint64(r.base) + uint64(len(r.data))
}

// memory is the backing store of the simulated address space
type memory struct {
	mu      sync.RWMutex
	regions []*region
}

func newMemory(specs []RegionSpec) (*memory, error) {
	m := &memory{}
	for _, spec := range specs {
		perm, err := target.ParsePerm(spec.Perm)
		if err != nil {
			return nil, err
		}
		m.regions = append(m.regions, &region{
			name: spec.Name,
			base: spec.Base,
			perm: perm,
			data: make([]byte, spec.Size),
		})
	}
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })
	return m, nil
}

func (m *memory) find(addr uint32, length uint32) *region {
	for _, r := range m.regions {
		if addr >= r.base && uint64(addr)+uint64(length) <= r.end() {
			return r
		}
	}
	return nil
}

func (m *memory) permissions(addr, length uint32) target.Perm {
	if length == 0 {
		length = 1
	}
	r := m.find(addr, length)
	if r == nil {
		return target.PermNone
	}
	return r.perm
}

// read copies memory into buf. Only a mapped range is required, rights are
// checked by the callers that care about them.
func (m *memory) read(addr uint32, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.find(addr, uint32(len(buf)))
	if r == nil {
		return utils.MakeError(ErrUnmapped, "read of %d bytes at 0x%08x", len(buf), addr)
	}
	copy(buf, r.data[addr-r.base:])
	return nil
}

func (m *memory) write(addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(addr, uint32(len(data)))
	if r == nil {
		return utils.MakeError(ErrUnmapped, "write of %d bytes at 0x%08x", len(data), addr)
	}
	copy(r.data[addr-r.base:], data)
	return nil
}

func (m *memory) read32(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := m.read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
