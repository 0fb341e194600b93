package hal

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/southwarridev/kewveOs/device/timer"
	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/klog"
	"github.com/southwarridev/kewveOs/kernel/mm"
	"github.com/southwarridev/kewveOs/kernel/mm/heap"
)

// Boot command line keys understood by ParseConfig.
const (
	KeyHeapStart = "heapStart"
	KeyHeapSize  = "heapSize"
	KeyTimerHz   = "timerHz"
	KeyLogLevel  = "loglevel"
	KeySerial    = "serial"
)

var (
	errBadHeapStart = &kernel.Error{Module: "hal", Message: "invalid heapStart value", Kind: kernel.KindConfig}
	errBadHeapSize  = &kernel.Error{Module: "hal", Message: "invalid heapSize value", Kind: kernel.KindConfig}
	errBadTimerHz   = &kernel.Error{Module: "hal", Message: "invalid timerHz value", Kind: kernel.KindConfig}
	errBadLogLevel  = &kernel.Error{Module: "hal", Message: "invalid loglevel value", Kind: kernel.KindConfig}
	errBadSerial    = &kernel.Error{Module: "hal", Message: "serial must be on or off", Kind: kernel.KindConfig}
)

// Config holds the boot options that shape the kernel bring-up.
type Config struct {
	Heap          heap.Config
	TimerHz       uint32
	LogLevel      logrus.Level
	SerialEnabled bool
}

// DefaultConfig returns the options used when the command line is empty.
func DefaultConfig() Config {
	return Config{
		Heap:          heap.DefaultConfig(),
		TimerHz:       timer.DefaultFrequency,
		LogLevel:      logrus.InfoLevel,
		SerialEnabled: true,
	}
}

// ParseConfig overrides the defaults with the values in the parsed boot
// command line. Unknown keys are ignored. The returned configuration is
// fully validated so no hardware needs to be touched to detect a bad option.
func ParseConfig(cmdLine map[string]string) (Config, *kernel.Error) {
	cfg := DefaultConfig()

	if v, ok := cmdLine[KeyHeapStart]; ok {
		start, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return cfg, errBadHeapStart
		}
		cfg.Heap.Start = uintptr(start)
	}

	if v, ok := cmdLine[KeyHeapSize]; ok {
		size, err := mm.ParseSize(v)
		if err != nil || uint64(size) > uint64(^uintptr(0)) {
			return cfg, errBadHeapSize
		}
		cfg.Heap.Size = uintptr(size)
	}
	if err := cfg.Heap.Validate(); err != nil {
		return cfg, err
	}

	if v, ok := cmdLine[KeyTimerHz]; ok {
		hz, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return cfg, errBadTimerHz
		}
		cfg.TimerHz = uint32(hz)
	}
	if _, err := timer.Divisor(cfg.TimerHz); err != nil {
		return cfg, errBadTimerHz
	}

	if v, ok := cmdLine[KeyLogLevel]; ok {
		level, err := klog.ParseLevel(v)
		if err != nil {
			return cfg, errBadLogLevel
		}
		cfg.LogLevel = level
	}

	if v, ok := cmdLine[KeySerial]; ok {
		switch v {
		case "on", KeySerial:
			cfg.SerialEnabled = true
		case "off":
			cfg.SerialEnabled = false
		default:
			return cfg, errBadSerial
		}
	}

	return cfg, nil
}
