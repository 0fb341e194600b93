package pic

import (
	"reflect"
	"testing"
)

type portWrite struct {
	port uint16
	val  uint8
}

// fakeChips records port writes. Reads from a data port return the last value
// written to it; reads from a command port return the register selected by
// the last OCW3 command.
type fakeChips struct {
	writes    []portWrite
	data      map[uint16]uint8
	irr, isr  map[uint16]uint8
	selected  map[uint16]uint8
	ioWaits   int
	dataReads int
}

func mockChips(primaryMask, secondaryMask uint8) *fakeChips {
	fc := &fakeChips{
		data:     map[uint16]uint8{primaryDataPort: primaryMask, secondaryDataPort: secondaryMask},
		irr:      map[uint16]uint8{},
		isr:      map[uint16]uint8{},
		selected: map[uint16]uint8{},
	}

	portWriteByteFn = func(port uint16, val uint8) {
		fc.writes = append(fc.writes, portWrite{port, val})
		switch port {
		case primaryDataPort, secondaryDataPort:
			fc.data[port] = val
		default:
			fc.selected[port] = val
		}
	}
	portReadByteFn = func(port uint16) uint8 {
		switch port {
		case primaryDataPort, secondaryDataPort:
			fc.dataReads++
			return fc.data[port]
		}

		if fc.selected[port] == cmdReadISR {
			return fc.isr[port]
		}
		return fc.irr[port]
	}
	ioWaitFn = func() { fc.ioWaits++ }

	return fc
}

func (fc *fakeChips) reset() {
	fc.writes = nil
}

func restorePorts() func() {
	origWrite, origRead, origWait := portWriteByteFn, portReadByteFn, ioWaitFn
	return func() {
		portWriteByteFn, portReadByteFn, ioWaitFn = origWrite, origRead, origWait
	}
}

func TestNewChainedPICs(t *testing.T) {
	specs := []struct {
		offset0, offset1 uint8
		expErr           bool
	}{
		{32, 40, false},
		{0x70, 0x78, false},
		{8, 16, true},
		{24, 32, true},
		{32, 48, true},
		{40, 32, true},
		{248, 0, true},
		{0xf8, 0xff, true},
	}

	for specIndex, spec := range specs {
		pics, err := NewChainedPICs(spec.offset0, spec.offset1)
		if spec.expErr {
			if err == nil {
				t.Errorf("[spec %d] expected an error", specIndex)
			}
			continue
		}

		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if o0, o1 := pics.Offsets(); o0 != spec.offset0 || o1 != spec.offset1 {
			t.Errorf("[spec %d] expected offsets %d/%d; got %d/%d", specIndex, spec.offset0, spec.offset1, o0, o1)
		}
	}
}

func TestInitializePreservesMasks(t *testing.T) {
	defer restorePorts()()

	specs := [][2]uint8{
		{0x00, 0x00},
		{0xb8, 0x8e},
		{0xff, 0xff},
		{0xfc, 0xff},
	}

	for specIndex, spec := range specs {
		fc := mockChips(spec[0], spec[1])
		pics, _ := NewChainedPICs(32, 40)

		pics.Initialize()

		if m0, m1 := pics.Masks(); m0 != spec[0] || m1 != spec[1] {
			t.Errorf("[spec %d] expected masks 0x%x/0x%x after initialize; got 0x%x/0x%x", specIndex, spec[0], spec[1], m0, m1)
		}

		if fc.ioWaits != 10 {
			t.Errorf("[spec %d] expected an io wait after each of the 10 writes; got %d", specIndex, fc.ioWaits)
		}
	}
}

func TestInitializeSequence(t *testing.T) {
	defer restorePorts()()

	fc := mockChips(0xb8, 0x8e)
	pics, _ := NewChainedPICs(0x20, 0x28)
	pics.Initialize()

	exp := []portWrite{
		{primaryCommandPort, 0x11},
		{secondaryCommandPort, 0x11},
		{primaryDataPort, 0x20},
		{secondaryDataPort, 0x28},
		{primaryDataPort, 4},
		{secondaryDataPort, 2},
		{primaryDataPort, 1},
		{secondaryDataPort, 1},
		{primaryDataPort, 0xb8},
		{secondaryDataPort, 0x8e},
	}

	if !reflect.DeepEqual(fc.writes, exp) {
		t.Fatalf("unexpected initialization sequence:\n%v\nexpected:\n%v", fc.writes, exp)
	}
}

func TestNotifyEndOfInterrupt(t *testing.T) {
	defer restorePorts()()

	fc := mockChips(0, 0)
	pics, _ := NewChainedPICs(32, 40)

	primaryEOI := portWrite{primaryCommandPort, cmdEndOfInterrupt}
	secondaryEOI := portWrite{secondaryCommandPort, cmdEndOfInterrupt}

	specs := []struct {
		intNumber uint8
		exp       []portWrite
	}{
		{32, []portWrite{primaryEOI}},
		{33, []portWrite{primaryEOI}},
		{39, []portWrite{primaryEOI}},
		{40, []portWrite{secondaryEOI, primaryEOI}},
		{44, []portWrite{secondaryEOI, primaryEOI}},
		{47, []portWrite{secondaryEOI, primaryEOI}},
		{31, nil},
		{48, nil},
		{0, nil},
		{255, nil},
	}

	for specIndex, spec := range specs {
		fc.reset()
		pics.NotifyEndOfInterrupt(spec.intNumber)

		if !reflect.DeepEqual(fc.writes, spec.exp) {
			t.Errorf("[spec %d] vector %d: expected writes %v; got %v", specIndex, spec.intNumber, spec.exp, fc.writes)
		}
	}
}

func TestHandlesInterrupt(t *testing.T) {
	pics, _ := NewChainedPICs(0xf0-8, 0xf0)

	for n := 0; n < 256; n++ {
		exp := n >= 0xe8 && n < 0xf8
		if got := pics.HandlesInterrupt(uint8(n)); got != exp {
			t.Errorf("expected HandlesInterrupt(%d) to return %t", n, exp)
		}
	}
}

func TestVector(t *testing.T) {
	pics, _ := NewChainedPICs(32, 40)

	for irq := uint8(0); irq < Lines; irq++ {
		vec, err := pics.Vector(irq)
		if err != nil || vec != 32+irq {
			t.Errorf("expected IRQ %d to map to vector %d; got %d, %v", irq, 32+irq, vec, err)
		}
	}

	if _, err := pics.Vector(Lines); err != errInvalidLine {
		t.Fatalf("expected errInvalidLine; got %v", err)
	}
}

func TestMaskControl(t *testing.T) {
	defer restorePorts()()

	fc := mockChips(0xff, 0xff)
	pics, _ := NewChainedPICs(32, 40)

	if err := pics.UnmaskLine(0); err != nil {
		t.Fatal(err)
	}
	if err := pics.UnmaskLine(1); err != nil {
		t.Fatal(err)
	}
	if m0, m1 := pics.Masks(); m0 != 0xfc || m1 != 0xff {
		t.Fatalf("expected masks 0xfc/0xff; got 0x%x/0x%x", m0, m1)
	}

	// unmasking a secondary line also opens the cascade line
	if err := pics.UnmaskLine(12); err != nil {
		t.Fatal(err)
	}
	if m0, m1 := pics.Masks(); m0 != 0xf8 || m1 != 0xef {
		t.Fatalf("expected masks 0xf8/0xef; got 0x%x/0x%x", m0, m1)
	}

	if err := pics.MaskLine(1); err != nil {
		t.Fatal(err)
	}
	if m0, _ := pics.Masks(); m0 != 0xfa {
		t.Fatalf("expected primary mask 0xfa; got 0x%x", m0)
	}

	for _, irq := range []uint8{16, 200} {
		if err := pics.MaskLine(irq); err != errInvalidLine {
			t.Errorf("expected errInvalidLine for line %d; got %v", irq, err)
		}
		if err := pics.UnmaskLine(irq); err != errInvalidLine {
			t.Errorf("expected errInvalidLine for line %d; got %v", irq, err)
		}
	}

	pics.SetMasks(0x12, 0x34)
	if m0, m1 := pics.Masks(); m0 != 0x12 || m1 != 0x34 {
		t.Fatalf("expected masks 0x12/0x34; got 0x%x/0x%x", m0, m1)
	}

	pics.Disable()
	if fc.data[primaryDataPort] != 0xff || fc.data[secondaryDataPort] != 0xff {
		t.Fatal("expected Disable to mask every line")
	}
}

func TestReadRegisters(t *testing.T) {
	defer restorePorts()()

	fc := mockChips(0, 0)
	fc.irr[primaryCommandPort], fc.irr[secondaryCommandPort] = 0x01, 0x80
	fc.isr[primaryCommandPort], fc.isr[secondaryCommandPort] = 0x04, 0x10

	pics, _ := NewChainedPICs(32, 40)

	if got := pics.ReadIRR(); got != 0x8001 {
		t.Errorf("expected IRR 0x8001; got 0x%x", got)
	}
	if got := pics.ReadISR(); got != 0x1004 {
		t.Errorf("expected ISR 0x1004; got 0x%x", got)
	}
}

func TestCheckSpurious(t *testing.T) {
	defer restorePorts()()

	fc := mockChips(0, 0)
	pics, _ := NewChainedPICs(32, 40)

	specs := []struct {
		intNumber          uint8
		primaryISR         uint8
		secondaryISR       uint8
		expSpurious        bool
		expPrimaryEOIIssue bool
	}{
		// not a spurious candidate
		{32, 0, 0, false, false},
		{47 - 8, 0x80, 0, false, false},
		// IRQ7 without its ISR bit set
		{39, 0x00, 0, true, false},
		// IRQ15 genuine
		{47, 0, 0x80, false, false},
		// IRQ15 spurious; primary still gets an EOI for the cascade line
		{47, 0, 0x00, true, true},
	}

	for specIndex, spec := range specs {
		fc.reset()
		fc.isr[primaryCommandPort], fc.isr[secondaryCommandPort] = spec.primaryISR, spec.secondaryISR

		if got := pics.CheckSpurious(spec.intNumber); got != spec.expSpurious {
			t.Errorf("[spec %d] expected CheckSpurious(%d) to return %t", specIndex, spec.intNumber, spec.expSpurious)
		}

		var primaryEOIs, secondaryEOIs int
		for _, w := range fc.writes {
			if w.val != cmdEndOfInterrupt {
				continue
			}
			switch w.port {
			case primaryCommandPort:
				primaryEOIs++
			case secondaryCommandPort:
				secondaryEOIs++
			}
		}

		if secondaryEOIs != 0 {
			t.Errorf("[spec %d] the secondary chip must never be acknowledged", specIndex)
		}
		if got := primaryEOIs == 1; got != spec.expPrimaryEOIIssue {
			t.Errorf("[spec %d] expected primary EOI issued: %t; got %d EOIs", specIndex, spec.expPrimaryEOIIssue, primaryEOIs)
		}
	}
}
