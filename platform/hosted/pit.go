//go:build linux && !kernel

package hosted

import (
	"time"

	"github.com/southwarridev/kewveOs/device/timer"
)

const (
	pitChannel0Port = 0x40
	pitCommandPort  = 0x43
	pitModeMask     = 0x0e
	pitAccessLoHi   = 0x30
	pitModeOneShot  = 0x00
)

// pit8254 emulates channel 0 of an 8254 timer. While a periodic mode is
// programmed a ticker goroutine invokes tick at the programmed rate.
type pit8254 struct {
	tick func()

	mode       uint8
	latch      uint16
	expectHigh bool
	divisor    uint32

	stop chan struct{}
}

func (p *pit8254) writeCommand(val uint8) {
	if val&pitAccessLoHi != pitAccessLoHi {
		return
	}
	p.mode = val & pitModeMask
	p.expectHigh = false
}

func (p *pit8254) writeData(val uint8) {
	if !p.expectHigh {
		p.latch = uint16(val)
		p.expectHigh = true
		return
	}

	p.latch |= uint16(val) << 8
	p.expectHigh = false

	p.divisor = uint32(p.latch)
	if p.divisor == 0 {
		p.divisor = 0x10000
	}

	p.halt()
	if p.mode != pitModeOneShot {
		p.run()
	}
}

// period returns the time between two ticks of the programmed divisor.
func (p *pit8254) period() time.Duration {
	return time.Duration(uint64(p.divisor) * uint64(time.Second) / timer.BaseFrequency)
}

func (p *pit8254) run() {
	stop := make(chan struct{})
	p.stop = stop

	go func(period time.Duration) {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				p.tick()
			case <-stop:
				return
			}
		}
	}(p.period())
}

// halt stops the ticker goroutine if one is running.
func (p *pit8254) halt() {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *pit8254) running() bool {
	return p.stop != nil
}
