// Package hal parses the boot options, identifies the platform and probes
// for the devices the kernel drives.
package hal

import (
	"bytes"
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/southwarridev/kewveOs/device"
	"github.com/southwarridev/kewveOs/device/serial"
	"github.com/southwarridev/kewveOs/device/vgatext"
	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
	"github.com/southwarridev/kewveOs/kernel/klog"
)

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeConsole io.Writer
	diagPort      io.Writer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer

	// kernelVersion is matched against the driver constraints.
	kernelVersion = kernel.Version
)

// ActiveConsole returns the device that receives the kernel console output
// or nil if none was found.
func ActiveConsole() io.Writer {
	return devices.activeConsole
}

// DiagnosticPort returns the serial port that backs the diagnostic log or
// nil if none was found.
func DiagnosticPort() io.Writer {
	return devices.diagPort
}

// ActiveDrivers returns the drivers that were successfully initialized, in
// detection order.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers. The first console becomes the kfmt output sink and the first
// serial port becomes the diagnostic log at the requested level. Without a
// console, console output is sent to the serial port.
func DetectHardware(env *device.ProbeEnv, logLevel logrus.Level) []device.Driver {
	drivers := device.DriverList()
	sort.Stable(drivers)

	devices.activeDrivers = nil

	probe(drivers, env, logLevel)

	if devices.activeConsole == nil && devices.diagPort != nil {
		devices.activeConsole = devices.diagPort
		kfmt.SetOutputSink(devices.diagPort)
	}

	return devices.activeDrivers
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList, env *device.ProbeEnv, logLevel logrus.Level) {
	var w = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}

	for _, info := range driverInfoList {
		drv := info.Probe(env)
		if drv == nil {
			continue
		}

		strBuf.Reset()
		ver := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), ver.Major(), ver.Minor(), ver.Patch())
		w.Prefix = strBuf.Bytes()

		if ok, err := info.Supported(kernelVersion); err != nil || !ok {
			kfmt.Fprintf(&w, "skipped: requires kernel %s\n", info.Requires)
			continue
		}

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv, logLevel)
		devices.activeDrivers = append(devices.activeDrivers, drv)

		// The sink changes once a console comes up.
		w.Sink = kfmt.GetOutputSink()
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized.
func onDriverInit(drv device.Driver, logLevel logrus.Level) {
	switch drvImpl := drv.(type) {
	case *vgatext.Console:
		if devices.activeConsole != nil {
			return
		}
		devices.activeConsole = drvImpl
		kfmt.SetOutputSink(drvImpl)
	case *serial.Port:
		if devices.diagPort != nil {
			return
		}
		devices.diagPort = drvImpl
		klog.Init(drvImpl, logLevel)
		kfmt.SetPanicMirror(drvImpl)
	}
}
