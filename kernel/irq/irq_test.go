package irq

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/gate"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
	"github.com/southwarridev/kewveOs/kernel/klog"
)

type fakeController struct {
	offset   uint8
	eois     []uint8
	spurious map[uint8]bool
}

func (c *fakeController) Vector(irq uint8) (uint8, *kernel.Error) {
	return c.offset + irq, nil
}

func (c *fakeController) NotifyEndOfInterrupt(intNumber uint8) {
	c.eois = append(c.eois, intNumber)
}

func (c *fakeController) CheckSpurious(intNumber uint8) bool {
	return c.spurious[intNumber]
}

type testEnv struct {
	ctrl     *fakeController
	handlers *Handlers
	table    *gate.Table
	console  bytes.Buffer
	diag     bytes.Buffer
	panicked []interface{}
	ticks    int
	keys     int
	rawCodes []uint8
}

func setupHandlers(t *testing.T) *testEnv {
	env := &testEnv{
		ctrl:  &fakeController{offset: 32, spurious: map[uint8]bool{}},
		table: new(gate.Table),
	}

	origPanic, origCR2, origPortRead, origSink := panicFn, readCR2Fn, portReadByteFn, kfmt.GetOutputSink()
	t.Cleanup(func() {
		panicFn, readCR2Fn, portReadByteFn = origPanic, origCR2, origPortRead
		kfmt.SetOutputSink(origSink)
		klog.Reset()
	})

	panicFn = func(e interface{}) { env.panicked = append(env.panicked, e) }
	portReadByteFn = func(port uint16) uint8 {
		if port != keyboardDataPort {
			t.Errorf("unexpected read from port 0x%x", port)
		}
		return 0x1e
	}
	kfmt.SetOutputSink(&env.console)
	klog.Init(&env.diag, logrus.DebugLevel)

	var err *kernel.Error
	env.handlers, err = Install(Config{
		Table:      env.table,
		Controller: env.ctrl,
		OnTimerTick: func() {
			if len(env.ctrl.eois) != 0 {
				t.Error("timer interrupt acknowledged before the tick was handled")
			}
			env.ticks++
		},
		OnKeyboard: func(raw uint8) {
			if len(env.ctrl.eois) != 0 {
				t.Error("keyboard interrupt acknowledged before the event was handled")
			}
			env.keys++
			env.rawCodes = append(env.rawCodes, raw)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	env.console.Reset()
	return env
}

func (env *testEnv) reset() {
	env.ctrl.eois = nil
	env.panicked = nil
	env.console.Reset()
	env.diag.Reset()
}

func TestInstallErrors(t *testing.T) {
	if _, err := Install(Config{Controller: &fakeController{}}); err != errNoTable {
		t.Errorf("expected errNoTable; got %v", err)
	}
	if _, err := Install(Config{Table: new(gate.Table)}); err != errNoController {
		t.Errorf("expected errNoController; got %v", err)
	}

	// PIC lines remapped past the routable vectors
	if _, err := Install(Config{Table: new(gate.Table), Controller: &fakeController{offset: 0x70}}); err == nil {
		t.Error("expected an error when the PIC vectors have no entry stubs")
	}
}

func TestInstallPopulatesTable(t *testing.T) {
	env := setupHandlers(t)

	if !env.table.Installed() {
		t.Fatal("expected table to be installed")
	}

	for n := 0; n < gate.RoutableVectors; n++ {
		if !env.table.Present(gate.InterruptNumber(n)) {
			t.Errorf("expected vector %d to be present", n)
		}
	}

	for _, n := range []int{gate.RoutableVectors, 0x80, 255} {
		if env.table.Present(gate.InterruptNumber(n)) {
			t.Errorf("expected vector %d to be non-present", n)
		}
	}
}

func TestIRQDelegationAndAcknowledgment(t *testing.T) {
	env := setupHandlers(t)

	specs := []struct {
		vector        uint64
		spurious      bool
		expTicks      int
		expKeys       int
		expEOIs       []uint8
		expUnexpected uint64
		expSpurious   uint64
	}{
		{32, false, 1, 0, []uint8{32}, 0, 0},
		{33, false, 0, 1, []uint8{33}, 0, 0},
		{44, false, 0, 0, []uint8{44}, 1, 0},
		{39, false, 0, 0, []uint8{39}, 1, 0},
		{39, true, 0, 0, nil, 0, 1},
		{47, true, 0, 0, nil, 0, 1},
	}

	for specIndex, spec := range specs {
		env.reset()
		env.ticks, env.keys, env.rawCodes = 0, 0, nil
		env.ctrl.spurious[uint8(spec.vector)] = spec.spurious
		before := env.handlers.Stats()

		env.table.Dispatch(&gate.Registers{Vector: spec.vector})

		if env.ticks != spec.expTicks || env.keys != spec.expKeys {
			t.Errorf("[spec %d] expected %d ticks and %d key events; got %d and %d", specIndex, spec.expTicks, spec.expKeys, env.ticks, env.keys)
		}

		if spec.expKeys != 0 && (len(env.rawCodes) != 1 || env.rawCodes[0] != 0x1e) {
			t.Errorf("[spec %d] expected the keyboard collaborator to receive scancode 0x1e; got %v", specIndex, env.rawCodes)
		}

		if len(env.ctrl.eois) != len(spec.expEOIs) || (len(spec.expEOIs) == 1 && env.ctrl.eois[0] != spec.expEOIs[0]) {
			t.Errorf("[spec %d] expected acknowledgments %v; got %v", specIndex, spec.expEOIs, env.ctrl.eois)
		}

		after := env.handlers.Stats()
		if got := after.Unexpected - before.Unexpected; got != spec.expUnexpected {
			t.Errorf("[spec %d] expected %d unexpected interrupts; got %d", specIndex, spec.expUnexpected, got)
		}
		if got := after.Spurious - before.Spurious; got != spec.expSpurious {
			t.Errorf("[spec %d] expected %d spurious interrupts; got %d", specIndex, spec.expSpurious, got)
		}
		if got := after.Delivered[spec.vector] - before.Delivered[spec.vector]; got != 1 {
			t.Errorf("[spec %d] expected delivery to be counted once; got %d", specIndex, got)
		}
		if len(env.panicked) != 0 {
			t.Errorf("[spec %d] unexpected panic: %v", specIndex, env.panicked)
		}
	}
}

func TestBreakpointResumes(t *testing.T) {
	env := setupHandlers(t)

	regs := &gate.Registers{Vector: uint64(gate.Breakpoint), RIP: 0xc0ffee}
	env.table.Dispatch(regs)

	if len(env.panicked) != 0 {
		t.Fatalf("breakpoint must not halt the machine; got %v", env.panicked)
	}
	if len(env.ctrl.eois) != 0 {
		t.Fatal("CPU exceptions must not be acknowledged through the PIC")
	}
	if !strings.Contains(env.console.String(), "breakpoint at RIP 0xc0ffee") {
		t.Fatalf("expected breakpoint to be reported on the console; got %q", env.console.String())
	}
	if !strings.Contains(env.diag.String(), "msg=breakpoint") {
		t.Fatalf("expected breakpoint to be logged; got %q", env.diag.String())
	}
	if got := env.handlers.Stats().Breakpoints; got != 1 {
		t.Fatalf("expected 1 breakpoint; got %d", got)
	}
}

// dispatchingWriter delivers an interrupt while an entry is being written.
type dispatchingWriter struct {
	buf      bytes.Buffer
	dispatch func()
}

func (w *dispatchingWriter) Write(p []byte) (int, error) {
	if fn := w.dispatch; fn != nil {
		w.dispatch = nil
		fn()
	}
	return w.buf.Write(p)
}

func TestBreakpointDuringDiagnosticWrite(t *testing.T) {
	env := setupHandlers(t)

	w := &dispatchingWriter{}
	w.dispatch = func() {
		env.table.Dispatch(&gate.Registers{Vector: uint64(gate.Breakpoint), RIP: 0xc0ffee})
	}
	klog.Init(w, logrus.InfoLevel)

	done := make(chan struct{})
	go func() {
		klog.Module("sched").Info("switched")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("breakpoint handler blocked on the diagnostic channel")
	}

	if got := env.handlers.Stats().Breakpoints; got != 1 {
		t.Fatalf("expected 1 breakpoint; got %d", got)
	}
	if len(env.panicked) != 0 {
		t.Fatalf("breakpoint must not halt the machine; got %v", env.panicked)
	}
	for _, exp := range []string{"msg=breakpoint", "msg=switched module=sched"} {
		if !strings.Contains(w.buf.String(), exp) {
			t.Errorf("expected diagnostic output to contain %q; got:\n%s", exp, w.buf.String())
		}
	}
}

func TestFatalExceptions(t *testing.T) {
	env := setupHandlers(t)
	readCR2Fn = func() uint64 { return 0xdeadbeef }

	specs := []struct {
		regs       gate.Registers
		expErr     *kernel.Error
		expConsole []string
		expDiag    []string
	}{
		{
			gate.Registers{Vector: uint64(gate.DivideByZero), RIP: 0x1234},
			errDivideError,
			[]string{"unrecoverable divide error exception (vector 0) at RIP 0x1234", "RIP = 0000000000001234"},
			[]string{`msg="divide error"`, "rip=4660", "vector=0"},
		},
		{
			gate.Registers{Vector: uint64(gate.GPFException), RIP: 0x10, Info: 0x18},
			errGPF,
			[]string{"general protection fault exception (vector 13)", "error code 0x18"},
			[]string{`msg="general protection fault"`, "error_code=24"},
		},
		{
			gate.Registers{Vector: uint64(gate.PageFaultException), RIP: 0x20, Info: 2},
			errPageFault,
			[]string{"page fault while accessing address: 0x00000000deadbeef", "reason: write to non-present page"},
			[]string{`msg="page fault"`, "cr2=3735928559", `reason="write to non-present page"`},
		},
		{
			gate.Registers{Vector: uint64(gate.InvalidOpcode), RIP: 0x30},
			errCPUFault,
			[]string{"unrecoverable invalid opcode exception (vector 6)"},
			[]string{"exception=\"invalid opcode\""},
		},
		{
			gate.Registers{Vector: uint64(gate.DoubleFault)},
			errCPUFault,
			[]string{"double fault"},
			nil,
		},
	}

	for specIndex, spec := range specs {
		env.reset()
		regs := spec.regs
		env.table.Dispatch(&regs)

		if len(env.panicked) != 1 || env.panicked[0] != spec.expErr {
			t.Errorf("[spec %d] expected a single panic with %v; got %v", specIndex, spec.expErr, env.panicked)
		}

		for _, exp := range spec.expConsole {
			if !strings.Contains(env.console.String(), exp) {
				t.Errorf("[spec %d] expected console output to contain %q; got:\n%s", specIndex, exp, env.console.String())
			}
		}
		for _, exp := range spec.expDiag {
			if !strings.Contains(env.diag.String(), exp) {
				t.Errorf("[spec %d] expected diagnostic output to contain %q; got:\n%s", specIndex, exp, env.diag.String())
			}
		}
	}
}

func TestHandlersWithoutCollaborators(t *testing.T) {
	defer func(origSink io.Writer) { kfmt.SetOutputSink(origSink) }(kfmt.GetOutputSink())
	defer func(origPortRead func(uint16) uint8) { portReadByteFn = origPortRead }(portReadByteFn)
	kfmt.SetOutputSink(io.Discard)

	var reads []uint16
	portReadByteFn = func(port uint16) uint8 {
		reads = append(reads, port)
		return 0
	}

	ctrl := &fakeController{offset: 32}
	h, err := Install(Config{Table: new(gate.Table), Controller: ctrl})
	if err != nil {
		t.Fatal(err)
	}

	h.irqHandler(TimerLine)(&gate.Registers{Vector: 32})

	if len(ctrl.eois) != 1 || h.Stats().Unexpected != 1 {
		t.Fatalf("expected the timer interrupt to be acknowledged and counted as unexpected; got %v, %+v", ctrl.eois, h.Stats())
	}

	// the scancode is drained even without a keyboard collaborator
	h.irqHandler(KeyboardLine)(&gate.Registers{Vector: 33})
	if len(reads) != 1 || reads[0] != keyboardDataPort {
		t.Fatalf("expected one read from the keyboard data port; got %v", reads)
	}
	if len(ctrl.eois) != 2 || h.Stats().Unexpected != 2 {
		t.Fatalf("expected the keyboard interrupt to be acknowledged and counted as unexpected; got %v, %+v", ctrl.eois, h.Stats())
	}
}
