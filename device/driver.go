// Package device defines the interface implemented by device drivers and the
// registry that the HAL probes at boot.
package device

import (
	"io"

	"github.com/Masterminds/semver/v3"

	"github.com/southwarridev/kewveOs/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() *semver.Version

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeEnv describes the machine and the boot options to probe functions.
type ProbeEnv struct {
	// PhysOffset is the address where physical memory is visible in the
	// kernel address space.
	PhysOffset uintptr

	// TimerHz is the requested timer interrupt frequency.
	TimerHz uint32

	// SerialEnabled is false if the serial port must not be used.
	SerialEnabled bool

	// Headless is set by platforms without a VGA text buffer.
	Headless bool
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func(env *ProbeEnv) Driver

// DetectOrder specifies when each driver's probe function will be invoked by
// the hal package.
type DetectOrder int8

// The following constants define some of the supported DetectOrder values.
const (
	// DetectOrderEarly is used by drivers whose output is needed by other
	// drivers (consoles and the serial port).
	DetectOrderEarly DetectOrder = -128

	// DetectOrderNormal is used by the interrupt-driven devices.
	DetectOrderNormal = 0

	// DetectOrderLast is the last driver detection order.
	DetectOrderLast = 127
)

// DriverInfo is a driver-defined struct that is passed to calls to
// RegisterDriver.
type DriverInfo struct {
	// Order specifies at which stage of the HW detection the driver's
	// probe function should be invoked by the hal package.
	Order DetectOrder

	// Requires is an optional semver constraint that the kernel version
	// must satisfy for the driver to be probed.
	Requires string

	// Probe is invoked by the hal package to detect the presence of
	// hardware supported by the driver.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var (
	// registeredDrivers tracks the drivers registered via a call to
	// RegisterDriver.
	registeredDrivers DriverInfoList

	errBadConstraint = &kernel.Error{Module: "device", Message: "invalid kernel version constraint", Kind: kernel.KindConfig}
)

// RegisterDriver adds the supplied driver info entry to the list of
// registered drivers. Drivers register themselves from an init() block.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}

// Supported reports whether the driver can run on the supplied kernel
// version. Drivers without a constraint are always supported.
func (info *DriverInfo) Supported(kernelVersion *semver.Version) (bool, *kernel.Error) {
	if info.Requires == "" {
		return true, nil
	}

	constraint, err := semver.NewConstraint(info.Requires)
	if err != nil {
		return false, errBadConstraint
	}

	return constraint.Check(kernelVersion), nil
}
