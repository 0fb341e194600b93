package hal

import (
	"bytes"
	"io"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/southwarridev/kewveOs/device"
	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
)

var errTestInit = &kernel.Error{Module: "test", Message: "device not responding"}

type fakeDriver struct {
	name    string
	initErr *kernel.Error
	inits   int
}

func (d *fakeDriver) DriverName() string             { return d.name }
func (d *fakeDriver) DriverVersion() *semver.Version { return semver.MustParse("1.2.3") }
func (d *fakeDriver) DriverInit(w io.Writer) *kernel.Error {
	d.inits++
	if d.initErr != nil {
		return d.initErr
	}
	kfmt.Fprintf(w, "hello\n")
	return nil
}

func resetDevices() {
	devices = managedDevices{}
	kfmt.SetOutputSink(nil)
	kfmt.SetPanicMirror(nil)
}

func TestProbe(t *testing.T) {
	defer resetDevices()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	buf.Reset()

	var (
		okDrv     = &fakeDriver{name: "ok"}
		brokenDrv = &fakeDriver{name: "broken", initErr: errTestInit}
		newDrv    = &fakeDriver{name: "future"}
		probedEnv *device.ProbeEnv
	)

	list := device.DriverInfoList{
		{Probe: func(env *device.ProbeEnv) device.Driver { probedEnv = env; return okDrv }},
		{Probe: func(*device.ProbeEnv) device.Driver { return nil }},
		{Probe: func(*device.ProbeEnv) device.Driver { return brokenDrv }},
		{Requires: ">= 9.0.0", Probe: func(*device.ProbeEnv) device.Driver { return newDrv }},
	}

	env := &device.ProbeEnv{TimerHz: 100}
	probe(list, env, logrus.InfoLevel)

	if probedEnv != env {
		t.Error("expected the probe environment to be passed to the probe function")
	}

	exp := "[hal] ok(1.2.3): hello\n" +
		"[hal] ok(1.2.3): initialized\n" +
		"[hal] broken(1.2.3): init failed: device not responding\n" +
		"[hal] future(1.2.3): skipped: requires kernel >= 9.0.0\n"
	if got := buf.String(); got != exp {
		t.Errorf("expected probe output:\n%q\ngot:\n%q", exp, got)
	}

	if newDrv.inits != 0 {
		t.Error("expected an unsupported driver not to be initialized")
	}

	active := ActiveDrivers()
	if len(active) != 1 || active[0] != okDrv {
		t.Errorf("expected only the ok driver to be active; got %v", active)
	}
}

func TestDetectHardwareFallsBackToSerialConsole(t *testing.T) {
	defer resetDevices()

	var (
		diag bytes.Buffer
		sink bytes.Buffer
	)
	kfmt.SetOutputSink(&sink)

	devices.diagPort = &diag
	DetectHardware(&device.ProbeEnv{Headless: true}, logrus.InfoLevel)

	if ActiveConsole() != io.Writer(&diag) {
		t.Fatal("expected the diagnostic port to become the console")
	}
	if kfmt.GetOutputSink() != io.Writer(&diag) {
		t.Error("expected kfmt output to be redirected to the diagnostic port")
	}
	if DiagnosticPort() != io.Writer(&diag) {
		t.Error("expected the diagnostic port to be kept")
	}
}
