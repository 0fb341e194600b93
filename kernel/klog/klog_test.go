package klog

import (
	"bytes"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/southwarridev/kewveOs/kernel"
)

func TestParseLevel(t *testing.T) {
	specs := []struct {
		input  string
		exp    log.Level
		expErr *kernel.Error
	}{
		{"", log.InfoLevel, nil},
		{"debug", log.DebugLevel, nil},
		{"WARN", log.WarnLevel, nil},
		{"trace", log.TraceLevel, nil},
		{"error", log.ErrorLevel, nil},
		{"verbose", log.InfoLevel, errUnknownLevel},
	}

	for specIndex, spec := range specs {
		got, err := ParseLevel(spec.input)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}
		if got != spec.exp {
			t.Errorf("[spec %d] expected level %v; got %v", specIndex, spec.exp, got)
		}
	}
}

func TestModuleEntries(t *testing.T) {
	defer Reset()

	var buf bytes.Buffer
	Init(&buf, log.DebugLevel)
	AddHook(TickHook{Ticks: func() uint64 { return 42 }})

	Module("sched").WithField("pid", 3).Info("switched")
	Module("pic").Debug("remapped")
	Module("pic").Trace("suppressed")

	out := buf.String()
	for _, exp := range []string{
		`level=info msg=switched module=sched pid=3 tick=42`,
		`level=debug msg=remapped module=pic tick=42`,
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}

	if strings.Contains(out, "suppressed") {
		t.Error("expected trace entries to be filtered out")
	}
}

func TestError(t *testing.T) {
	defer Reset()

	var buf bytes.Buffer
	Init(&buf, log.InfoLevel)

	Error(nil)
	Error(&kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindExhausted})

	exp := `level=error msg="out of memory" kind=exhausted module=pmm`
	if got := buf.String(); !strings.Contains(got, exp) {
		t.Fatalf("expected output to contain %q; got:\n%s", exp, got)
	}
}

func TestInitWithNilWriter(t *testing.T) {
	defer Reset()

	Init(nil, log.InfoLevel)
	Module("test").Info("discarded")
}

// interruptingWriter runs onWrite in the middle of its first write, the way
// an interrupt handler preempts the code that is emitting an entry.
type interruptingWriter struct {
	buf     bytes.Buffer
	onWrite func()
}

func (w *interruptingWriter) Write(p []byte) (int, error) {
	if fn := w.onWrite; fn != nil {
		w.onWrite = nil
		fn()
	}
	return w.buf.Write(p)
}

func TestLogFromInterruptedWrite(t *testing.T) {
	defer Reset()

	w := &interruptingWriter{
		onWrite: func() {
			Module("irq").WithField("rip", 0xc0ffee).Warn("breakpoint")
		},
	}
	Init(w, log.InfoLevel)

	done := make(chan struct{})
	go func() {
		Module("sched").Info("switched")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested log entry blocked on the entry it interrupted")
	}

	out := w.buf.String()
	for _, exp := range []string{"msg=breakpoint module=irq", "msg=switched module=sched"} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
}
