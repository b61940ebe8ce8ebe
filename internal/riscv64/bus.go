package riscv64

import (
	"fmt"
	"io"
	"log/slog"
)

// Device represents a memory-mapped device.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// MemoryRegion is a contiguous, byte-addressable span of guest RAM.
type MemoryRegion struct {
	Data []byte
}

// NewMemoryRegion creates a new memory region of the given size.
func NewMemoryRegion(size uint64) *MemoryRegion {
	return &MemoryRegion{
		Data: make([]byte, size),
	}
}

// Read implements Device.
func (m *MemoryRegion) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("memory read out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}

	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(cpuEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(cpuEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return cpuEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

// Write implements Device.
func (m *MemoryRegion) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("memory write out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}

	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		cpuEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		cpuEndian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		cpuEndian.PutUint64(m.Data[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

// Size implements Device.
func (m *MemoryRegion) Size() uint64 {
	return uint64(len(m.Data))
}

// ReadAt implements io.ReaderAt, used by loaders.
func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	n := copy(p, m.Data[off:])
	return n, nil
}

// WriteAt implements io.WriterAt, used by loaders.
func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.Data)) {
		return 0, fmt.Errorf("write offset out of bounds")
	}
	n := copy(m.Data[off:], p)
	return n, nil
}

// Slice returns a slice of the memory region, or nil if out of bounds.
func (m *MemoryRegion) Slice(offset, length uint64) []byte {
	if offset+length > uint64(len(m.Data)) {
		return nil
	}
	return m.Data[offset : offset+length]
}

// DeviceMapping maps a device to an address range.
type DeviceMapping struct {
	Base   uint64
	Size   uint64
	Device Device
}

// BusInterface is the memory/MMIO surface the CPU and MMU use.
type BusInterface interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr uint64, size int, value uint64) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write8(addr uint64, value uint8) error
	Write16(addr uint64, value uint16) error
	Write32(addr uint64, value uint32) error
	Write64(addr uint64, value uint64) error
}

// Bus performs a linear scan over registered regions and dispatches to the
// matching handler with offset = addr - base. It has no caching, and
// registration is one-shot: there is no deregistration.
type Bus struct {
	RAM     *MemoryRegion
	RAMBase uint64
	Devices []DeviceMapping

	// Logger records bus misses and other recoverable anomalies. Defaults
	// to slog.Default() when nil.
	Logger *slog.Logger
}

// NewBus creates a new bus with the given RAM size.
func NewBus(ramSize uint64) *Bus {
	return &Bus{
		RAM:     NewMemoryRegion(ramSize),
		RAMBase: RAMBase,
	}
}

func (bus *Bus) logger() *slog.Logger {
	if bus.Logger != nil {
		return bus.Logger
	}
	return slog.Default()
}

// AddDevice adds a device mapping to the bus.
func (bus *Bus) AddDevice(base uint64, dev Device) {
	bus.Devices = append(bus.Devices, DeviceMapping{
		Base:   base,
		Size:   dev.Size(),
		Device: dev,
	})
}

// findDevice finds a device at the given address. ok is false on a bus
// miss to an unmapped physical address.
func (bus *Bus) findDevice(addr uint64) (dev Device, offset uint64, ok bool) {
	if addr >= bus.RAMBase && addr < bus.RAMBase+bus.RAM.Size() {
		return bus.RAM, addr - bus.RAMBase, true
	}

	for _, mapping := range bus.Devices {
		if addr >= mapping.Base && addr < mapping.Base+mapping.Size {
			return mapping.Device, addr - mapping.Base, true
		}
	}

	return nil, 0, false
}

// Read reads from the bus. Per spec, a miss to an unmapped physical
// address returns 0 rather than an error.
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, offset, ok := bus.findDevice(addr)
	if !ok {
		bus.logger().Warn("bus read miss", "addr", fmt.Sprintf("0x%x", addr), "size", size)
		return 0, nil
	}
	return dev.Read(offset, size)
}

// Write writes to the bus. Per spec, a miss to an unmapped physical
// address is silently dropped rather than erroring.
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	dev, offset, ok := bus.findDevice(addr)
	if !ok {
		bus.logger().Warn("bus write miss", "addr", fmt.Sprintf("0x%x", addr), "size", size)
		return nil
	}
	return dev.Write(offset, size, value)
}

// Read8 reads a byte from the bus.
func (bus *Bus) Read8(addr uint64) (uint8, error) {
	val, err := bus.Read(addr, 1)
	return uint8(val), err
}

// Read16 reads a halfword from the bus.
func (bus *Bus) Read16(addr uint64) (uint16, error) {
	val, err := bus.Read(addr, 2)
	return uint16(val), err
}

// Read32 reads a word from the bus.
func (bus *Bus) Read32(addr uint64) (uint32, error) {
	val, err := bus.Read(addr, 4)
	return uint32(val), err
}

// Read64 reads a doubleword from the bus.
func (bus *Bus) Read64(addr uint64) (uint64, error) {
	return bus.Read(addr, 8)
}

// Write8 writes a byte to the bus.
func (bus *Bus) Write8(addr uint64, value uint8) error {
	return bus.Write(addr, 1, uint64(value))
}

// Write16 writes a halfword to the bus.
func (bus *Bus) Write16(addr uint64, value uint16) error {
	return bus.Write(addr, 2, uint64(value))
}

// Write32 writes a word to the bus.
func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

// Write64 writes a doubleword to the bus.
func (bus *Bus) Write64(addr uint64, value uint64) error {
	return bus.Write(addr, 8, value)
}

// LoadBytes loads bytes into the bus at the given address, used by
// kernel/firmware loaders. It is a host-side convenience, not a guest
// operation, so out-of-range RAM writes are a hard error.
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	if addr >= bus.RAMBase && addr+uint64(len(data)) <= bus.RAMBase+bus.RAM.Size() {
		copy(bus.RAM.Data[addr-bus.RAMBase:], data)
		return nil
	}

	for i, b := range data {
		a := addr + uint64(i)
		if _, _, ok := bus.findDevice(a); !ok {
			return fmt.Errorf("load address 0x%x is not mapped", a)
		}
		if err := bus.Write8(a, b); err != nil {
			return err
		}
	}
	return nil
}

// Fetch fetches an instruction (16 or 32 bits) from memory, inspecting
// the low two bits of the first halfword to decide compressed vs. full
// width per the RVC quadrant encoding.
func (bus *Bus) Fetch(addr uint64) (uint32, error) {
	lo, err := bus.Read16(addr)
	if err != nil {
		return 0, err
	}

	if lo&0x3 != 0x3 {
		return uint32(lo), nil
	}

	hi, err := bus.Read16(addr + 2)
	if err != nil {
		return 0, err
	}

	return uint32(lo) | (uint32(hi) << 16), nil
}
