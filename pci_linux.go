//go:build linux

package hda

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sysfsPCIDevices = "/sys/bus/pci/devices"
	pciClassHDAudio = 0x0403

	hugePageSize = 2 << 20

	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1

	pciCommand          = 0x04
	pciCommandMemory    = 1 << 1
	pciCommandBusMaster = 1 << 2
)

// Controller describes an HD Audio controller found on the PCI bus.
type Controller struct {
	// Address is the PCI address, as in "0000:00:1f.3".
	Address string
	Vendor  uint16
	Device  uint16
	IRQ     int
}

// String returns a human-readable representation of the Controller.
func (c Controller) String() string {
	return fmt.Sprintf("%s: HD Audio controller [%04x:%04x] irq %d", c.Address, c.Vendor, c.Device, c.IRQ)
}

// EnumerateControllers scans sysfs for PCI functions of class 0x0403 (HD Audio).
func EnumerateControllers() ([]Controller, error) {
	entries, err := os.ReadDir(sysfsPCIDevices)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", sysfsPCIDevices, err)
	}

	var result []Controller
	for _, e := range entries {
		dir := filepath.Join(sysfsPCIDevices, e.Name())

		class, err := readSysfsHex(filepath.Join(dir, "class"))
		if err != nil || class>>8 != pciClassHDAudio {
			continue
		}

		vendor, _ := readSysfsHex(filepath.Join(dir, "vendor"))
		device, _ := readSysfsHex(filepath.Join(dir, "device"))
		irq, _ := readSysfsInt(filepath.Join(dir, "irq"))

		result = append(result, Controller{
			Address: e.Name(),
			Vendor:  uint16(vendor),
			Device:  uint16(device),
			IRQ:     irq,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Address < result[j].Address
	})

	return result, nil
}

func readSysfsHex(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(b)), "0x"), 16, 64)
}

func readSysfsInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// OpenPCI opens the controller at the given PCI address, e.g. "0000:00:1f.3".
// The kernel's own driver must be unbound from the function first, and the process
// needs the privileges to map BAR0 and read /proc/self/pagemap.
func OpenPCI(addr string, config *Config) (*Device, error) {
	bus, err := newPCIBus(addr)
	if err != nil {
		return nil, err
	}

	d, err := Open(bus, config)
	if err != nil {
		_ = bus.Close()

		return nil, err
	}
	d.ownsBus = true

	return d, nil
}

// pciBus is the Linux Bus: BAR0 mapped through sysfs, DMA memory from locked pages.
type pciBus struct {
	dir string

	mu   sync.Mutex
	regs *mmioRegisters
}

func newPCIBus(addr string) (*pciBus, error) {
	dir := filepath.Join(sysfsPCIDevices, addr)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("no PCI device %s: %w", addr, err)
	}

	b := &pciBus{dir: dir}
	if err := b.enableBusMaster(); err != nil {
		return nil, err
	}

	return b, nil
}

// enableBusMaster sets memory space and bus master enable in the PCI command register.
func (b *pciBus) enableBusMaster() error {
	path := filepath.Join(b.dir, "config")

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()

	var cmd [2]byte
	if _, err := f.ReadAt(cmd[:], pciCommand); err != nil {
		return fmt.Errorf("could not read PCI command register: %w", err)
	}

	v := binary.LittleEndian.Uint16(cmd[:]) | pciCommandMemory | pciCommandBusMaster
	binary.LittleEndian.PutUint16(cmd[:], v)
	if _, err := f.WriteAt(cmd[:], pciCommand); err != nil {
		return fmt.Errorf("could not write PCI command register: %w", err)
	}

	return nil
}

func (b *pciBus) Registers() (Registers, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.regs != nil {
		return b.regs, nil
	}

	path := filepath.Join(b.dir, "resource0")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s failed: %w", path, err)
	}

	b.regs = &mmioRegisters{data: data}

	return b.regs, nil
}

func (b *pciBus) Alloc(size int) (Mem, error) {
	m, err := allocDMA(size)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (b *pciBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.regs == nil {
		return nil
	}

	err := unix.Munmap(b.regs.data)
	b.regs = nil

	return err
}

// mmioRegisters accesses a mapped register window. Each access is a single load or
// store of the register's width.
type mmioRegisters struct {
	data []byte
}

func (r *mmioRegisters) Read8(off uint32) uint8 {
	return *(*uint8)(unsafe.Pointer(&r.data[off]))
}

func (r *mmioRegisters) Read16(off uint32) uint16 {
	return *(*uint16)(unsafe.Pointer(&r.data[off]))
}

func (r *mmioRegisters) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.data[off])))
}

func (r *mmioRegisters) Write8(off uint32, v uint8) {
	*(*uint8)(unsafe.Pointer(&r.data[off])) = v
}

func (r *mmioRegisters) Write16(off uint32, v uint16) {
	*(*uint16)(unsafe.Pointer(&r.data[off])) = v
}

func (r *mmioRegisters) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.data[off])), v)
}

// dmaMem is locked anonymous memory whose pages are physically contiguous.
type dmaMem struct {
	buf     []byte
	mapping []byte
	phys    uint64
}

func (m *dmaMem) Buf() []byte {
	return m.buf
}

func (m *dmaMem) PhysAddr() uint64 {
	return m.phys
}

func (m *dmaMem) Close() error {
	if m.mapping == nil {
		return nil
	}

	_ = unix.Munlock(m.mapping)
	err := unix.Munmap(m.mapping)
	m.buf, m.mapping = nil, nil

	return err
}

// allocDMA returns size bytes of locked memory. Allocations larger than a page are
// backed by a huge page so they are physically contiguous.
func allocDMA(size int) (*dmaMem, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE
	length := roundUp(size, pageSize)
	if length > pageSize {
		flags |= unix.MAP_HUGETLB
		length = roundUp(size, hugePageSize)
	}

	buf, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", length, err)
	}

	m := &dmaMem{buf: buf[:size:size], mapping: buf}
	if err := unix.Mlock(buf); err != nil {
		_ = unix.Munmap(buf)

		return nil, fmt.Errorf("mlock %d bytes: %w", length, err)
	}

	phys, err := physPages(buf)
	if err != nil {
		_ = unix.Munlock(buf)
		_ = unix.Munmap(buf)

		return nil, err
	}
	m.phys = phys

	return m, nil
}

// physPages resolves the physical address of buf through /proc/self/pagemap and
// checks that every page follows the previous one.
func physPages(buf []byte) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, fmt.Errorf("could not open pagemap: %w", err)
	}
	defer f.Close()

	virt := uintptr(unsafe.Pointer(&buf[0]))

	var first uint64
	for off := 0; off < len(buf); off += pageSize {
		var entry [8]byte
		if _, err := f.ReadAt(entry[:], int64((virt+uintptr(off))/pageSize)*8); err != nil {
			return 0, fmt.Errorf("could not read pagemap: %w", err)
		}

		e := binary.LittleEndian.Uint64(entry[:])
		pfn := e & pagemapPFNMask
		if e&pagemapPresent == 0 || pfn == 0 {
			return 0, fmt.Errorf("page at %#x has no physical address (need CAP_SYS_ADMIN)", virt+uintptr(off))
		}

		phys := pfn * pageSize
		if off == 0 {
			first = phys
		} else if phys != first+uint64(off) {
			return 0, fmt.Errorf("memory at %#x is not physically contiguous", virt)
		}
	}

	return first, nil
}
