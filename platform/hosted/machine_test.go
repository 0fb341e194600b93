//go:build linux && !kernel

package hosted

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/southwarridev/kewveOs/kernel/gate"
	"github.com/southwarridev/kewveOs/kernel/kmain"
)

// syncBuffer is written by the kernel goroutine and polled by the test.
type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) waitFor(t *testing.T, substr string, count int) {
	t.Helper()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Count(b.String(), substr) >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d occurrence(s) of %q; serial output:\n%s", count, substr, b.String())
}

func bootMachine(t *testing.T, cmdLine string) (*Machine, *syncBuffer, <-chan struct{}) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	serial := &syncBuffer{}
	m, err := New(Config{RAMSize: 8 << 20, Serial: serial, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}

	done, err := m.Start(&kmain.Kernel{}, cmdLine)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		m.Stop()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("kernel goroutine did not exit")
		}
		if err := m.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return m, serial, done
}

func TestBootAndRun(t *testing.T) {
	m, serial, _ := bootMachine(t, "timerHz=1000 loglevel=warn")

	serial.waitFor(t, "kewveOs initialization complete!", 1)
	serial.waitFor(t, "switched to process", 5)
	// the process table is printed once the last delay has elapsed
	serial.waitFor(t, "prio=", 3)

	out := serial.String()
	for _, exp := range []string{
		"[hal] pit(",
		"[hal] ps2_keyboard(",
		"created processes with PIDs: 1, 2",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected serial output to contain %q; got:\n%s", exp, out)
		}
	}

	if m.Delivered() < 500 {
		t.Errorf("expected at least 500 delivered interrupts; got %d", m.Delivered())
	}
	if m.MMU().Aliases() == 0 {
		t.Error("expected the heap pages to be aliased")
	}

	if !m.TypeByte('k') {
		t.Fatal("expected the keyboard to be scanning")
	}
	serial.waitFor(t, "key pressed: 'k'", 1)

	m.InjectException(gate.Breakpoint, 0, 0)
	serial.waitFor(t, "breakpoint at RIP", 1)

	select {
	case <-m.Halted():
		t.Fatal("expected a breakpoint to be recoverable")
	default:
	}

	m.InjectException(gate.DivideByZero, 0, 0)
	select {
	case <-m.Halted():
	case <-time.After(10 * time.Second):
		t.Fatal("expected a divide error to halt the machine")
	}
	serial.waitFor(t, "kernel panic", 1)

	if err := m.Err(); err != nil {
		t.Fatalf("unexpected machine check: %v", err)
	}
}

func TestBootFailureHalts(t *testing.T) {
	m, _, _ := bootMachine(t, "timerHz=1")

	select {
	case <-m.Halted():
	case <-time.After(10 * time.Second):
		t.Fatal("expected a boot failure to halt the machine")
	}

	// the configuration is rejected before any memory is mapped
	if got := m.MMU().Aliases(); got != 0 {
		t.Fatalf("expected no aliased pages; got %d", got)
	}
	if got := m.Delivered(); got != 0 {
		t.Fatalf("expected no delivered interrupts; got %d", got)
	}
}

func TestStartRejectsSmallRAM(t *testing.T) {
	m, err := New(Config{RAMSize: MinRAMSize / 2})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err = m.Start(&kmain.Kernel{}, ""); err == nil {
		t.Fatal("expected an error for a machine with less than 2MiB of RAM")
	}
}
