//go:build linux && !kernel

// Package hosted emulates enough of a PC to run the kernel as an ordinary
// Linux process: RAM, a paging MMU, the 8259 pair, the 8254 timer, a PS/2
// keyboard and the first serial port. The kernel executes on a single
// goroutine and reaches the machine through the cpu package shims.
package hosted

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/gate"
)

const (
	postPort     = 0x80
	crtcAddrPort = 0x3d4
	crtcDataPort = 0x3d5
	timerIRQLine = 0
	gateSize     = 16
)

// Config describes the emulated machine.
type Config struct {
	// RAMSize is the amount of physical memory in bytes.
	RAMSize uintptr

	// Serial receives the output of COM1.
	Serial io.Writer

	// Logger receives machine diagnostics. Defaults to the logrus standard
	// logger.
	Logger *logrus.Logger
}

type pendingException struct {
	vector  gate.InterruptNumber
	errCode uint64
	cr2     uint64
}

// Machine is an emulated single-CPU PC. It implements cpu.Machine.
type Machine struct {
	log *logrus.Entry
	ram *RAM
	mmu *MMU

	// mutex guards the devices and the pending exception queue against the
	// timer goroutine and host input.
	mutex      sync.Mutex
	pics       *picPair
	pit        pit8254
	ps2        ps2Controller
	uart       uart16550
	crtcIndex  uint8
	exceptions []pendingException

	// accessed only by the kernel goroutine
	ifFlag     bool
	delivering bool
	idtr       uintptr
	cr2        uint64

	wake     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	halted   chan struct{}
	haltOnce sync.Once

	halts     uint64
	delivered uint64
	faultErr  atomic.Value
}

var _ cpu.Machine = (*Machine)(nil)

// New allocates RAM and wires the devices of a machine.
func New(cfg Config) (*Machine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ram, err := NewRAM(cfg.RAMSize)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		log:     logger.WithField("component", "hosted"),
		ram:     ram,
		mmu:     NewMMU(ram),
		pics:    newPICPair(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		halted:  make(chan struct{}),
	}
	m.pit.tick = m.timerTick
	m.ps2.raise = m.raiseLocked
	m.uart.out = cfg.Serial

	m.log.WithFields(logrus.Fields{
		"ram":  ram.Size(),
		"base": fmt.Sprintf("0x%x", ram.Base()),
	}).Debug("machine created")
	return m, nil
}

// RAM returns the physical memory of the machine.
func (m *Machine) RAM() *RAM {
	return m.ram
}

// MMU returns the address translation unit of the machine.
func (m *Machine) MMU() *MMU {
	return m.mmu
}

// Halted is closed once the CPU halts with interrupts disabled.
func (m *Machine) Halted() <-chan struct{} {
	return m.halted
}

// Stopped is closed by Stop.
func (m *Machine) Stopped() <-chan struct{} {
	return m.stopped
}

// Halts returns the number of executed HLT instructions.
func (m *Machine) Halts() uint64 {
	return atomic.LoadUint64(&m.halts)
}

// Delivered returns the number of interrupts and exceptions delivered.
func (m *Machine) Delivered() uint64 {
	return atomic.LoadUint64(&m.delivered)
}

// Err returns the machine check that stopped the machine, if any.
func (m *Machine) Err() error {
	if err, ok := m.faultErr.Load().(error); ok {
		return err
	}
	return nil
}

// Stop powers the machine off: the timer stops and the kernel goroutine
// exits at its next halt.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() {
		m.mutex.Lock()
		m.pit.halt()
		m.uart.flush()
		m.mutex.Unlock()
		close(m.stopped)
	})
}

// Close stops the machine and releases its memory. The kernel goroutine must
// have exited.
func (m *Machine) Close() error {
	m.Stop()
	if err := m.mmu.Reset(); err != nil {
		return err
	}
	return m.ram.Close()
}

// RaiseIRQ latches a request on PIC line irq.
func (m *Machine) RaiseIRQ(irq uint8) {
	m.mutex.Lock()
	m.raiseLocked(irq)
	m.mutex.Unlock()
}

// TypeByte feeds a character to the keyboard. It returns false if the
// keyboard is not scanning or ch has no scancode.
func (m *Machine) TypeByte(ch byte) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.ps2.typeByte(ch)
}

// InjectException queues a CPU exception. It is delivered the next time the
// kernel enables interrupts or halts.
func (m *Machine) InjectException(vector gate.InterruptNumber, errCode, cr2 uint64) {
	m.mutex.Lock()
	m.exceptions = append(m.exceptions, pendingException{vector: vector, errCode: errCode, cr2: cr2})
	m.mutex.Unlock()
	m.signal()
}

func (m *Machine) timerTick() {
	m.RaiseIRQ(timerIRQLine)
}

func (m *Machine) raiseLocked(irq uint8) {
	m.pics.raise(irq)
	m.signal()
}

func (m *Machine) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// InterruptFlagChanged implements cpu.Machine.
func (m *Machine) InterruptFlagChanged(enabled bool) {
	m.ifFlag = enabled
	if enabled {
		m.deliverPending()
	}
}

// Halt implements cpu.Machine. With interrupts disabled the kernel goroutine
// parks until the machine is stopped and then exits.
func (m *Machine) Halt() {
	atomic.AddUint64(&m.halts, 1)

	if !m.ifFlag {
		m.haltOnce.Do(func() { close(m.halted) })
		m.log.Info("CPU halted with interrupts disabled")
		<-m.stopped
		runtime.Goexit()
	}

	for {
		if m.deliverPending() != 0 {
			return
		}

		select {
		case <-m.wake:
		case <-m.stopped:
			runtime.Goexit()
		}
	}
}

// deliverPending enters the gates of all pending exceptions and interrupts
// while IF remains set and returns how many were delivered. Handlers run
// with IF cleared, as they would behind an interrupt gate.
func (m *Machine) deliverPending() int {
	if m.delivering {
		return 0
	}
	m.delivering = true
	defer func() { m.delivering = false }()

	count := 0
	for m.ifFlag {
		regs, ok := m.nextInterrupt()
		if !ok {
			break
		}

		cpu.DisableInterrupts()
		gate.Deliver(regs)
		atomic.AddUint64(&m.delivered, 1)
		cpu.EnableInterrupts()
		count++
	}
	return count
}

func (m *Machine) nextInterrupt() (*gate.Registers, bool) {
	regs := &gate.Registers{}

	m.mutex.Lock()
	switch {
	case len(m.exceptions) != 0:
		ex := m.exceptions[0]
		m.exceptions = m.exceptions[1:]
		regs.Vector, regs.Info = uint64(ex.vector), ex.errCode
		m.cr2 = ex.cr2
	default:
		vec, ok := m.pics.acknowledge()
		if !ok {
			m.mutex.Unlock()
			return nil, false
		}
		regs.Vector = uint64(vec)
	}
	m.mutex.Unlock()

	if err := m.checkGate(gate.InterruptNumber(regs.Vector)); err != nil {
		m.machineCheck(err)
	}
	return regs, true
}

// checkGate validates the descriptor that the CPU would use for vec.
func (m *Machine) checkGate(vec gate.InterruptNumber) error {
	if m.idtr == 0 {
		return fmt.Errorf("hosted: vector %d raised before an IDT was loaded", vec)
	}

	limit := *(*uint16)(unsafe.Pointer(m.idtr))
	base := *(*uint64)(unsafe.Pointer(m.idtr + 2))
	if uint32(vec)*gateSize+gateSize-1 > uint32(limit) {
		return fmt.Errorf("hosted: vector %d beyond IDT limit 0x%x", vec, limit)
	}

	desc := *(*gate.Descriptor)(unsafe.Pointer(uintptr(base) + uintptr(vec)*gateSize))
	if !desc.Present() {
		return fmt.Errorf("hosted: gate %d is not present", vec)
	}
	if got, ok := gate.EntryVector(desc.Offset()); !ok || got != vec {
		return fmt.Errorf("hosted: gate %d points to 0x%x", vec, desc.Offset())
	}
	return nil
}

// machineCheck records a condition the emulated CPU cannot recover from
// and terminates the kernel goroutine.
func (m *Machine) machineCheck(err error) {
	m.faultErr.Store(err)
	m.log.WithError(err).Error("machine check")
	m.haltOnce.Do(func() { close(m.halted) })
	m.Stop()
	runtime.Goexit()
}

// FlushTLBEntry implements cpu.Machine.
func (m *Machine) FlushTLBEntry(virtAddr uintptr) {
	if err := m.mmu.Flush(virtAddr); err != nil {
		m.machineCheck(err)
	}
}

// SwitchPDT implements cpu.Machine.
func (m *Machine) SwitchPDT(pdtPhysAddr uintptr) {
	if err := m.mmu.SetRoot(pdtPhysAddr); err != nil {
		m.machineCheck(err)
	}
	m.log.WithField("root", fmt.Sprintf("0x%x", pdtPhysAddr)).Debug("page table root switched")
}

// ReadCR2 implements cpu.Machine.
func (m *Machine) ReadCR2() uint64 {
	return m.cr2
}

// LoadIDT implements cpu.Machine.
func (m *Machine) LoadIDT(idtrAddr uintptr) {
	m.idtr = idtrAddr
}

// PortWriteByte implements cpu.Machine.
func (m *Machine) PortWriteByte(port uint16, val uint8) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	switch {
	case port == picPrimaryCmd, port == picPrimaryData, port == picSecondaryCmd, port == picSecondaryData:
		m.pics.write(port, val)
	case port == pitCommandPort:
		m.pit.writeCommand(val)
	case port == pitChannel0Port:
		m.pit.writeData(val)
	case port == ps2DataPort:
		m.ps2.writeData(val)
	case port >= uartBase && port < uartBase+uartPorts:
		m.uart.write(port, val)
	case port == crtcAddrPort:
		m.crtcIndex = val
	case port == crtcDataPort, port == postPort:
	default:
		m.log.WithField("port", fmt.Sprintf("0x%x", port)).Debug("write to unmapped port")
	}
}

// PortReadByte implements cpu.Machine.
func (m *Machine) PortReadByte(port uint16) uint8 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	switch {
	case port == picPrimaryCmd, port == picPrimaryData, port == picSecondaryCmd, port == picSecondaryData:
		return m.pics.read(port)
	case port == ps2DataPort:
		return m.ps2.readData()
	case port == ps2StatusPort:
		return m.ps2.status()
	case port >= uartBase && port < uartBase+uartPorts:
		return m.uart.read(port)
	default:
		return 0xff
	}
}
