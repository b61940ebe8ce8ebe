package riscv64

import (
	"io"
	"log/slog"
	"sync"
)

// UART register offsets (16550 compatible).
const (
	UARTRegRBR = 0 // Receive Buffer Register (read)
	UARTRegTHR = 0 // Transmit Holding Register (write)
	UARTRegIER = 1 // Interrupt Enable Register
	UARTRegIIR = 2 // Interrupt Identification Register (read)
	UARTRegFCR = 2 // FIFO Control Register (write)
	UARTRegLCR = 3 // Line Control Register
	UARTRegMCR = 4 // Modem Control Register
	UARTRegLSR = 5 // Line Status Register
	UARTRegMSR = 6 // Modem Status Register
	UARTRegSCR = 7 // Scratch Register
)

// LSR bits
const (
	UARTLSRDataReady      = 1 << 0 // Data ready
	UARTLSROverrunError   = 1 << 1 // Overrun error
	UARTLSRParityError    = 1 << 2 // Parity error
	UARTLSRFramingError   = 1 << 3 // Framing error
	UARTLSRBreakInterrupt = 1 << 4 // Break interrupt
	UARTLSRTHREmpty       = 1 << 5 // Transmit holding register empty
	UARTLSRTxEmpty        = 1 << 6 // Transmitter empty
	UARTLSRFIFOError      = 1 << 7 // FIFO error
)

// IER bits
const (
	UARTIERRxEnable = 1 << 0
	UARTIERTxEnable = 1 << 1
)

// IIR bits
const (
	UARTIIRNoInterrupt = 1 << 0 // No interrupt pending
	UARTIIRTHREmpty    = 0x02
	UARTIIRRxAvail     = 0x04
)

const uartRingSize = 256

// ring is a small bounded byte ring buffer shared between the register
// file and the worker goroutines.
type ring struct {
	buf   [uartRingSize]byte
	head  int
	tail  int
	count int
}

func (r *ring) empty() bool { return r.count == 0 }
func (r *ring) full() bool  { return r.count == uartRingSize }

func (r *ring) push(b byte) bool {
	if r.full() {
		return false
	}
	r.buf[r.tail] = b
	r.tail = (r.tail + 1) % uartRingSize
	r.count++
	return true
}

func (r *ring) pop() (byte, bool) {
	if r.empty() {
		return 0, false
	}
	b := r.buf[r.head]
	r.head = (r.head + 1) % uartRingSize
	r.count--
	return b, true
}

// UART implements a 16550-compatible serial port with bounded TX/RX
// rings serviced by two long-lived host goroutines, per the concurrency
// model of a real emulator's console device: a mutex serializes register
// and ring state, and a condition variable wakes the TX worker whenever
// the TX ring gains data.
type UART struct {
	Output io.Writer
	Input  io.Reader
	Logger *slog.Logger

	mu   sync.Mutex
	txCV *sync.Cond

	IER uint8
	IIR uint8
	FCR uint8
	LCR uint8
	MCR uint8
	LSR uint8
	MSR uint8
	SCR uint8

	DLL uint8
	DLH uint8

	tx ring
	rx ring

	interruptPending bool
	onInterrupt      func(pending bool)

	running bool
	wg      sync.WaitGroup
}

// NewUART creates a UART wired to the given host output/input streams
// and starts its TX and RX worker goroutines.
func NewUART(output io.Writer, input io.Reader) *UART {
	u := &UART{
		Output: output,
		Input:  input,
		LSR:    UARTLSRTHREmpty | UARTLSRTxEmpty,
		IIR:    UARTIIRNoInterrupt,
		running: true,
	}
	u.txCV = sync.NewCond(&u.mu)
	u.wg.Add(2)
	go u.txWorker()
	go u.rxWorker()
	return u
}

// SetInterruptHandler registers a callback invoked on edge transitions
// of the UART's interrupt line (typically wired to PLIC.SetPending).
func (uart *UART) SetInterruptHandler(fn func(pending bool)) {
	uart.mu.Lock()
	uart.onInterrupt = fn
	uart.mu.Unlock()
}

// Size implements Device.
func (uart *UART) Size() uint64 {
	return UARTSize
}

// Read implements Device.
func (uart *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}

	uart.mu.Lock()
	defer uart.mu.Unlock()

	dlab := (uart.LCR & 0x80) != 0

	switch offset {
	case UARTRegRBR:
		if dlab {
			return uint64(uart.DLL), nil
		}
		data, ok := uart.rx.pop()
		uart.updateLSRLocked()
		uart.updateInterruptLocked()
		if !ok {
			return 0, nil
		}
		return uint64(data), nil

	case UARTRegIER:
		if dlab {
			return uint64(uart.DLH), nil
		}
		return uint64(uart.IER), nil

	case UARTRegIIR:
		iir := uart.IIR
		return uint64(iir), nil

	case UARTRegLCR:
		return uint64(uart.LCR), nil

	case UARTRegMCR:
		return uint64(uart.MCR), nil

	case UARTRegLSR:
		uart.updateLSRLocked()
		return uint64(uart.LSR), nil

	case UARTRegMSR:
		return uint64(uart.MSR), nil

	case UARTRegSCR:
		return uint64(uart.SCR), nil
	}

	return 0, nil
}

// Write implements Device.
func (uart *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}

	data := uint8(value)

	uart.mu.Lock()
	dlab := (uart.LCR & 0x80) != 0

	switch offset {
	case UARTRegTHR:
		if dlab {
			uart.DLL = data
			uart.mu.Unlock()
			return nil
		}
		if !uart.tx.push(data) {
			uart.logger().Warn("uart tx ring overflow, dropping byte")
		}
		uart.updateLSRLocked()
		uart.updateInterruptLocked()
		uart.txCV.Signal()

	case UARTRegIER:
		if dlab {
			uart.DLH = data
			uart.mu.Unlock()
			return nil
		}
		uart.IER = data
		uart.updateInterruptLocked()

	case UARTRegFCR:
		uart.FCR = data
		if data&0x01 != 0 && data&0x02 != 0 {
			uart.rx = ring{}
			uart.tx = ring{}
		}

	case UARTRegLCR:
		uart.LCR = data

	case UARTRegMCR:
		uart.MCR = data

	case UARTRegSCR:
		uart.SCR = data
	}

	uart.mu.Unlock()
	return nil
}

func (uart *UART) logger() *slog.Logger {
	if uart.Logger != nil {
		return uart.Logger
	}
	return slog.Default()
}

// updateLSRLocked recomputes LSR.DR/THRE/TEMT from current ring state.
// Caller must hold uart.mu.
func (uart *UART) updateLSRLocked() {
	uart.LSR &^= UARTLSRDataReady | UARTLSRTHREmpty | UARTLSRTxEmpty
	if !uart.rx.empty() {
		uart.LSR |= UARTLSRDataReady
	}
	if uart.tx.empty() {
		uart.LSR |= UARTLSRTHREmpty | UARTLSRTxEmpty
	}
}

// updateInterruptLocked re-evaluates the interrupt line per spec §4.5:
// (IER.RX_ENABLE ∧ LSR.DR) ∨ (IER.TX_ENABLE ∧ LSR.THRE). Edge
// transitions invoke onInterrupt. Caller must hold uart.mu.
func (uart *UART) updateInterruptLocked() {
	rxReady := uart.IER&UARTIERRxEnable != 0 && uart.LSR&UARTLSRDataReady != 0
	txReady := uart.IER&UARTIERTxEnable != 0 && uart.LSR&UARTLSRTHREmpty != 0

	pending := rxReady || txReady
	switch {
	case rxReady:
		uart.IIR = UARTIIRRxAvail
	case txReady:
		uart.IIR = UARTIIRTHREmpty
	default:
		uart.IIR = UARTIIRNoInterrupt
	}

	if pending != uart.interruptPending {
		uart.interruptPending = pending
		if uart.onInterrupt != nil {
			uart.onInterrupt(pending)
		}
	}
}

// txWorker blocks on txCV while the TX ring is empty and running is
// true, then drains bytes to the host output. Once running is cleared
// it still writes out every queued byte before it exits.
func (uart *UART) txWorker() {
	defer uart.wg.Done()
	uart.mu.Lock()
	for {
		for uart.tx.empty() && uart.running {
			uart.txCV.Wait()
		}
		if uart.tx.empty() {
			uart.mu.Unlock()
			return
		}
		b, _ := uart.tx.pop()
		uart.updateLSRLocked()
		uart.updateInterruptLocked()
		uart.mu.Unlock()

		if uart.Output != nil {
			if _, err := uart.Output.Write([]byte{b}); err != nil {
				uart.logger().Warn("uart host output error", "err", err)
			}
		}

		uart.mu.Lock()
	}
}

// rxWorker reads from host input and pushes bytes into the RX ring,
// dropping the newest byte and setting LSR.OE on overflow.
func (uart *UART) rxWorker() {
	defer uart.wg.Done()
	if uart.Input == nil {
		return
	}
	buf := make([]byte, 256)
	for {
		n, err := uart.Input.Read(buf)
		if err != nil {
			if err != io.EOF {
				uart.logger().Warn("uart host input error", "err", err)
			}
			return
		}

		uart.mu.Lock()
		if !uart.running {
			uart.mu.Unlock()
			return
		}
		for i := 0; i < n; i++ {
			if !uart.rx.push(buf[i]) {
				uart.LSR |= UARTLSROverrunError
				uart.logger().Warn("uart rx ring overflow")
			}
		}
		uart.updateLSRLocked()
		uart.updateInterruptLocked()
		uart.mu.Unlock()
	}
}

// Shutdown signals both workers to exit and joins them. Safe to call
// once; further device use after Shutdown is undefined.
func (uart *UART) Shutdown() {
	uart.mu.Lock()
	uart.running = false
	uart.mu.Unlock()
	uart.txCV.Broadcast()
	uart.wg.Wait()
}

var _ Device = (*UART)(nil)
