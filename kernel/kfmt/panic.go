package kfmt

import (
	"io"

	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = haltForever

	// panicMirror receives a copy of the panic banner. It is normally the
	// diagnostic serial port.
	panicMirror io.Writer

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetPanicMirror registers a writer that receives a copy of every panic
// banner in addition to the console.
func SetPanicMirror(w io.Writer) {
	panicMirror = w
}

// Panic outputs the supplied error (if not nil) to the console and the panic
// mirror and halts the CPU with interrupts disabled. Calls to Panic never
// return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	printBanner(outputSink, err)
	if panicMirror != nil && panicMirror != outputSink {
		printBanner(panicMirror, err)
	}

	cpuHaltFn()
}

func printBanner(w io.Writer, err *kernel.Error) {
	Fprintf(w, "\n-----------------------------------\n")
	if err != nil {
		Fprintf(w, "[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Fprintf(w, "*** kernel panic: system halted ***")
	Fprintf(w, "\n-----------------------------------\n")
}

func haltForever() {
	cpu.DisableInterrupts()
	for {
		cpu.Halt()
	}
}
