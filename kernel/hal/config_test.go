package hal

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/hal/multiboot"
	"github.com/southwarridev/kewveOs/kernel/mm/heap"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatal(err)
	}

	if exp := DefaultConfig(); cfg != exp {
		t.Fatalf("expected default config %+v; got %+v", exp, cfg)
	}

	if cfg.Heap.Start != heap.DefaultStart || cfg.Heap.Size != heap.DefaultSize {
		t.Errorf("expected default heap placement; got %+v", cfg.Heap)
	}
	if cfg.TimerHz != 1000 || cfg.LogLevel != logrus.InfoLevel || !cfg.SerialEnabled {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestParseConfig(t *testing.T) {
	specs := []struct {
		cmdLine string
		check   func(Config) bool
	}{
		{
			"heapSize=2M",
			func(c Config) bool { return c.Heap.Size == 2<<20 },
		},
		{
			"heapStart=0x5555_0000_0000 heapSize=64K",
			func(c Config) bool { return c.Heap.Start == 0x5555_0000_0000 && c.Heap.Size == 64<<10 },
		},
		{
			"timerHz=100",
			func(c Config) bool { return c.TimerHz == 100 },
		},
		{
			"loglevel=debug",
			func(c Config) bool { return c.LogLevel == logrus.DebugLevel },
		},
		{
			"serial=off",
			func(c Config) bool { return !c.SerialEnabled },
		},
		{
			"serial",
			func(c Config) bool { return c.SerialEnabled },
		},
		{
			"quiet nosmp root=/dev/sda1",
			func(c Config) bool { return c == DefaultConfig() },
		},
	}

	for specIndex, spec := range specs {
		cfg, err := ParseConfig(multiboot.ParseCmdLine(spec.cmdLine))
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if !spec.check(cfg) {
			t.Errorf("[spec %d] unexpected config for %q: %+v", specIndex, spec.cmdLine, cfg)
		}
	}
}

func TestParseConfigErrors(t *testing.T) {
	specs := []struct {
		cmdLine string
		expErr  *kernel.Error
	}{
		{"heapSize=lots", errBadHeapSize},
		{"heapSize=1000", nil},
		{"heapSize=0", nil},
		{"heapStart=nowhere", errBadHeapStart},
		{"heapStart=0x1001", nil},
		{"timerHz=fast", errBadTimerHz},
		{"timerHz=5", errBadTimerHz},
		{"timerHz=2000000", errBadTimerHz},
		{"loglevel=chatty", errBadLogLevel},
		{"serial=maybe", errBadSerial},
	}

	for specIndex, spec := range specs {
		_, err := ParseConfig(multiboot.ParseCmdLine(spec.cmdLine))
		if err == nil {
			t.Errorf("[spec %d] expected %q to be rejected", specIndex, spec.cmdLine)
			continue
		}

		if spec.expErr != nil && err != spec.expErr {
			t.Errorf("[spec %d] expected error %q; got %q", specIndex, spec.expErr.Message, err.Message)
		}

		if err.Kind != kernel.KindConfig {
			t.Errorf("[spec %d] expected a config error; got kind %s", specIndex, err.Kind)
		}
	}
}
