// Package vgatext implements a terminal on top of the 80x25 VGA text mode
// framebuffer.
package vgatext

import (
	"io"
	"unsafe"

	"github.com/Masterminds/semver/v3"

	"github.com/southwarridev/kewveOs/device"
	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
	"github.com/southwarridev/kewveOs/kernel/sync"
)

const (
	// FramebufferPhysAddr is the physical address of the text framebuffer.
	FramebufferPhysAddr = 0xb8000

	// Columns and Rows describe the dimensions of mode 0x3.
	Columns = 80
	Rows    = 25

	tabWidth = 8

	crtcIndexPort  = 0x3d4
	crtcDataPort   = 0x3d5
	crtcCursorHigh = 0x0e
	crtcCursorLow  = 0x0f
)

// Color is one of the 16 EGA colors.
type Color uint8

// The EGA palette.
const (
	Black Color = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	Yellow
	White
)

var (
	portWriteByteFn = cpu.PortWriteByte

	driverVersion = semver.MustParse("0.1.0")
)

// Console is a terminal that renders to a VGA text framebuffer. It handles
// CR, LF, tab and backspace and scrolls when the cursor moves past the last
// row.
type Console struct {
	mutex sync.IRQSpinlock

	width, height uint16
	curX, curY    uint16
	attr          uint16

	fbAddr uintptr
	fb     []uint16
}

// New returns a console whose framebuffer is visible at fbAddr. The
// framebuffer is not touched until DriverInit is called.
func New(width, height uint16, fbAddr uintptr) *Console {
	return &Console{
		width:  width,
		height: height,
		fbAddr: fbAddr,
		attr:   makeAttr(LightGrey, Black),
	}
}

func makeAttr(fg, bg Color) uint16 {
	return uint16(bg&0xf)<<12 | uint16(fg&0xf)<<8
}

// Dimensions returns the console width and height in characters.
func (c *Console) Dimensions() (uint16, uint16) {
	return c.width, c.height
}

// Position returns the current cursor position.
func (c *Console) Position() (uint16, uint16) {
	c.mutex.Acquire()
	defer c.mutex.Release()
	return c.curX, c.curY
}

// SetColors sets the attributes used by subsequent writes.
func (c *Console) SetColors(fg, bg Color) {
	c.mutex.Acquire()
	c.attr = makeAttr(fg, bg)
	c.mutex.Release()
}

// Clear blanks the screen and moves the cursor to the top-left corner.
func (c *Console) Clear() {
	c.mutex.Acquire()
	c.clearRows(0, c.height)
	c.curX, c.curY = 0, 0
	c.updateCursor()
	c.mutex.Release()
}

// Write implements io.Writer.
func (c *Console) Write(data []byte) (int, error) {
	c.mutex.Acquire()
	for _, b := range data {
		switch b {
		case '\r':
			c.curX = 0
		case '\n':
			c.curX = 0
			c.lf()
		case '\t':
			for spaces := tabWidth - c.curX%tabWidth; spaces > 0; spaces-- {
				if c.put(' '); c.curX == 0 {
					break
				}
			}
		case '\b':
			if c.curX > 0 {
				c.curX--
				c.fb[c.curY*c.width+c.curX] = c.attr | ' '
			}
		default:
			c.put(b)
		}
	}
	c.updateCursor()
	c.mutex.Release()

	return len(data), nil
}

// put writes a character at the cursor and advances it, wrapping to the
// next line at the right edge.
func (c *Console) put(b byte) {
	c.fb[c.curY*c.width+c.curX] = c.attr | uint16(b)
	c.curX++
	if c.curX == c.width {
		c.curX = 0
		c.lf()
	}
}

// lf advances the cursor by one line scrolling the contents up if the end
// of the last line is reached.
func (c *Console) lf() {
	if c.curY+1 < c.height {
		c.curY++
		return
	}

	copy(c.fb, c.fb[c.width:])
	c.clearRows(c.height-1, 1)
}

func (c *Console) clearRows(y, count uint16) {
	blank := c.attr | ' '
	for i := y * c.width; i < (y+count)*c.width; i++ {
		c.fb[i] = blank
	}
}

func (c *Console) updateCursor() {
	pos := c.curY*c.width + c.curX
	portWriteByteFn(crtcIndexPort, crtcCursorLow)
	portWriteByteFn(crtcDataPort, uint8(pos))
	portWriteByteFn(crtcIndexPort, crtcCursorHigh)
	portWriteByteFn(crtcDataPort, uint8(pos>>8))
}

// DriverName returns the name of this driver.
func (c *Console) DriverName() string {
	return "vga_text_console"
}

// DriverVersion returns the version of this driver.
func (c *Console) DriverVersion() *semver.Version {
	return driverVersion
}

// DriverInit attaches the framebuffer and clears the screen.
func (c *Console) DriverInit(w io.Writer) *kernel.Error {
	c.fb = unsafe.Slice((*uint16)(unsafe.Pointer(c.fbAddr)), int(c.width)*int(c.height))
	c.Clear()

	kfmt.Fprintf(w, "%dx%d framebuffer at 0x%x\n", c.width, c.height, c.fbAddr)
	return nil
}

func probeForVGAText(env *device.ProbeEnv) device.Driver {
	if env.Headless {
		return nil
	}
	return New(Columns, Rows, env.PhysOffset+FramebufferPhysAddr)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForVGAText,
	})
}
