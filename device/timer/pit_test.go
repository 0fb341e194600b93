package timer

import (
	"bytes"
	"testing"

	"github.com/southwarridev/kewveOs/device"
	"github.com/southwarridev/kewveOs/kernel/cpu"
)

type portWrite struct {
	port uint16
	val  uint8
}

func mockPorts() *[]portWrite {
	var writes []portWrite
	portWriteByteFn = func(port uint16, val uint8) {
		writes = append(writes, portWrite{port, val})
	}
	return &writes
}

func TestDivisor(t *testing.T) {
	specs := []struct {
		hz     uint32
		exp    uint16
		expErr bool
	}{
		{1000, 1193, false},
		{100, 11931, false},
		{BaseFrequency, 1, false},
		{MinFrequency, 62799, false},
		{MinFrequency - 1, 0, true},
		{0, 0, true},
		{BaseFrequency + 1, 0, true},
	}

	for specIndex, spec := range specs {
		got, err := Divisor(spec.hz)
		if spec.expErr {
			if err != errInvalidFrequency {
				t.Errorf("[spec %d] expected errInvalidFrequency; got %v", specIndex, err)
			}
			continue
		}

		if err != nil || got != spec.exp {
			t.Errorf("[spec %d] expected divisor %d; got %d, %v", specIndex, spec.exp, got, err)
		}
	}
}

func TestDriverInit(t *testing.T) {
	defer func() {
		portWriteByteFn = cpu.PortWriteByte
	}()
	writes := mockPorts()

	var buf bytes.Buffer
	p := New(1000)
	if err := p.DriverInit(&buf); err != nil {
		t.Fatal(err)
	}

	exp := []portWrite{
		{commandPort, 0x36},
		{channel0Port, uint8(1193 & 0xff)},
		{channel0Port, uint8(1193 >> 8)},
	}
	if len(*writes) != len(exp) {
		t.Fatalf("expected %d port writes; got %d", len(exp), len(*writes))
	}
	for i, w := range exp {
		if (*writes)[i] != w {
			t.Errorf("expected write %d to be %+v; got %+v", i, w, (*writes)[i])
		}
	}

	if got, exp := buf.String(), "channel 0 at 1000 Hz (divisor 1193)\n"; got != exp {
		t.Errorf("expected init output %q; got %q", exp, got)
	}

	if got := p.Frequency(); got != 1000 {
		t.Errorf("expected frequency 1000; got %d", got)
	}

	*writes = nil
	if err := New(5).DriverInit(&buf); err != errInvalidFrequency {
		t.Errorf("expected errInvalidFrequency; got %v", err)
	}
	if len(*writes) != 0 {
		t.Error("expected an invalid frequency not to touch the hardware")
	}
}

func TestStop(t *testing.T) {
	defer func() {
		portWriteByteFn = cpu.PortWriteByte
	}()
	writes := mockPorts()

	New(100).Stop()
	exp := []portWrite{{commandPort, 0x30}, {channel0Port, 0}, {channel0Port, 0}}
	for i, w := range exp {
		if (*writes)[i] != w {
			t.Errorf("expected write %d to be %+v; got %+v", i, w, (*writes)[i])
		}
	}
}

func TestHandleInterrupt(t *testing.T) {
	p := New(100)
	p.HandleInterrupt()

	var hookCalls int
	p.OnTick = func() { hookCalls++ }
	p.HandleInterrupt()
	p.HandleInterrupt()

	if got := p.Ticks(); got != 3 {
		t.Errorf("expected 3 ticks; got %d", got)
	}
	if hookCalls != 2 {
		t.Errorf("expected OnTick to be called 2 times; got %d", hookCalls)
	}
}

func TestProbe(t *testing.T) {
	drv := probeForPIT(&device.ProbeEnv{})
	if got := drv.(*PIT).Frequency(); got != DefaultFrequency {
		t.Errorf("expected default frequency %d; got %d", DefaultFrequency, got)
	}

	drv = probeForPIT(&device.ProbeEnv{TimerHz: 250})
	if got := drv.(*PIT).Frequency(); got != 250 {
		t.Errorf("expected frequency 250; got %d", got)
	}

	if exp, got := "pit", drv.DriverName(); got != exp {
		t.Errorf("expected driver name %q; got %q", exp, got)
	}
	if got := drv.DriverVersion().String(); got != "0.2.0" {
		t.Errorf("expected driver version 0.2.0; got %s", got)
	}
}
