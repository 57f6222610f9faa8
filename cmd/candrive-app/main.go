// Command candrive-app is CANDrive's application-side binary: it wires
// the library packages together and drives the cooperative main loop in
// a fixed order: signal handler, motor controller, console, supervisor,
// status frame, firmware manager. Everything is constructed explicitly
// in main and threaded into the loop; there are no package-level module
// singletons. Since this is a host build rather than real silicon, the
// peripherals are internal/simhw's simulated equivalents and the CAN
// backend is selected through pkg/can's interface registry.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/candrive/firmware/internal/hostcfg"
	"github.com/candrive/firmware/internal/simhw"
	"github.com/candrive/firmware/pkg/can"
	_ "github.com/candrive/firmware/pkg/can/socketcan"
	_ "github.com/candrive/firmware/pkg/can/virtual"
	"github.com/candrive/firmware/pkg/flash"
	"github.com/candrive/firmware/pkg/fwmanager"
	"github.com/candrive/firmware/pkg/motor"
	"github.com/candrive/firmware/pkg/motorctrl"
	"github.com/candrive/firmware/pkg/nvcom"
	"github.com/candrive/firmware/pkg/nvs"
	"github.com/candrive/firmware/pkg/signalhandler"
	"github.com/candrive/firmware/pkg/supervisor"
	"github.com/candrive/firmware/pkg/systime"
)

const (
	// Flash region layout for the host simulation rig: the NVS pages sit
	// between the bootloader and application regions, as on the real
	// part.
	nvsBase            = 0x0800C000
	nvsPageSize        = 1024
	nvsNumPages        = 2
	appFlashBase       = 0x08010000
	appFlashSize       = 128 * 1024
	firmwareUpdateRxID = 1
	firmwareUpdateTxID = 2
)

// Recognized runtime-configuration NVS keys.
const (
	keyNumberOfMotors = "number_of_motors"
	keyCountsPerRev   = "counts_per_rev"
	keyNoLoadRPM      = "no_load_rpm"
	keyNoLoadCurrent  = "no_load_current"
	keyStallCurrent   = "stall_current"
	keyKp             = "kp"
	keyKi             = "ki"
	keyKd             = "kd"
	keyIMax           = "imax"
	keyIMin           = "imin"
)

var recognizedKeys = []string{
	keyNumberOfMotors, keyCountsPerRev, keyNoLoadRPM, keyNoLoadCurrent,
	keyStallCurrent, keyKp, keyKi, keyKd, keyIMax, keyIMin,
}

// logLevel backs the console's "level" command.
var logLevel = new(slog.LevelVar)

func setLogLevel(name string) bool {
	switch name {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warning", "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		return false
	}
	return true
}

type runtimeConfig struct {
	numberOfMotors int
	countsPerRev   int32
	noLoadRPM      int32
	noLoadCurrent  int32
	stallCurrent   int32
	kp, ki, kd     int32
	imax, imin     int32
}

func main() {
	rigPath := flag.String("rig", "rig.ini", "host simulation rig INI file")
	seed := flag.Bool("seed-nvs", true, "seed missing recognized NVS keys from the rig file on first boot")
	flag.Parse()

	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	rig, err := hostcfg.Load(*rigPath)
	if err != nil {
		logger.Error("failed to load rig config", "error", err)
		os.Exit(1)
	}

	clock := systime.New()
	stop := make(chan struct{})
	go clock.Run(stop)
	defer close(stop)

	nvsDev := flash.NewSim(nvsBase, nvsPageSize*nvsNumPages, nvsPageSize, logger)
	store, err := nvs.Open(nvsDev, nvsBase, nvsNumPages, logger)
	if err != nil {
		logger.Error("failed to open nvs", "error", err)
		os.Exit(1)
	}

	if *seed {
		seedRuntimeConfig(store, rig, logger)
	}

	runtime, ok := loadRuntimeConfig(store)
	if !ok {
		logger.Error("recognized configuration incomplete, all values default to zero; refusing to register signal handlers")
	}

	bus, err := can.NewBus(rig.CANInterface, rig.CANChannel, 500000)
	if err != nil {
		logger.Error("failed to open can bus", "error", err)
		os.Exit(1)
	}
	if vb, isVirtual := bus.(interface{ SetReceiveOwn(bool) }); isVirtual {
		vb.SetReceiveOwn(true)
	}
	if err := bus.Connect(); err != nil {
		logger.Warn("can bus connect failed, continuing in isolated mode", "error", err)
	}

	dispatcher := can.NewDispatcher(bus, logger)
	if err := dispatcher.Start(); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	nvcomStore := nvcom.New(nvcom.NewSimRegisters(), logger)

	emergencyPin := &simhw.EmergencyPin{}
	vsenseInput := simhw.NewVsenseInput(12000)

	watchdogExpired := false
	watchdog := simhw.NewWatchdog(clock.GetSystemTime, func() {
		watchdogExpired = true
		logger.Error("watchdog expired, device would reset here")
	}, logger)

	svisor, err := supervisor.New(supervisor.Config{
		EmergencyPin: emergencyPin,
		VsenseInput:  vsenseInput,
		Watchdog:     watchdog,
		NVCom:        nvcomStore,
		Clock:        clock,
	}, logger)
	if err != nil {
		logger.Error("supervisor refused to start", "error", err)
		os.Exit(1)
	}

	appFlash := flash.NewSim(appFlashBase, appFlashSize, 1024, logger)
	resetter := simhw.NewResetter(nil, logger)
	fwInfo := fwmanager.Info{
		Version:           rig.Version,
		HardwareRevision:  rig.HardwareRevision,
		Name:              rig.BoardName,
		BoardID:           rig.DeviceID,
		GitSHA:            rig.GitSHA,
		UpgradeMemoryAddr: appFlashBase,
	}
	fwMgr := fwmanager.New(dispatcher, clock, firmwareUpdateRxID, firmwareUpdateTxID, appFlash, appFlashBase, nvcomStore, resetter, fwInfo, logger)

	var motorCtrl *motorctrl.Controller
	var sigHandler *signalhandler.Handler
	if ok {
		motorCtrl, sigHandler = buildMotors(runtime, rig, clock, svisor, dispatcher, logger)
	}

	// Refuse a reset or update request while a motor is actively running.
	motorsIdle := func() bool {
		return motorCtrl == nil || !motorCtrl.AnyRunning()
	}
	fwMgr.SetResetAllowed(motorsIdle)
	fwMgr.SetUpdateAllowed(motorsIdle)

	console := newConsole(os.Stdin, os.Stdout, motorCtrl, store, nvcomStore, resetter, logger)

	logger.Info("candrive application started", "board", rig.BoardName, "version", rig.GitSHA)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if sigHandler != nil {
			if err := sigHandler.Process(); err != nil {
				logger.Debug("signal handler process", "error", err)
			}
		}
		if motorCtrl != nil {
			if err := motorCtrl.Update(); err != nil {
				logger.Warn("motor controller update failed", "error", err)
			}
		}
		console.poll()
		svisor.Update()
		if sigHandler != nil {
			emitStatus(sigHandler, motorCtrl, svisor)
		}
		fwMgr.Update()
		watchdog.Check()

		if watchdogExpired {
			logger.Error("halting: watchdog reset loop")
			os.Exit(1)
		}
	}
}

func seedRuntimeConfig(store *nvs.Store, rig *hostcfg.Config, logger *slog.Logger) {
	if _, err := store.Retrieve(keyNumberOfMotors); err == nil {
		return // already configured
	}
	m := rig.Motors[0]
	values := map[string]uint32{
		keyNumberOfMotors: uint32(len(rig.Motors)),
		keyCountsPerRev:   uint32(m.CountsPerRev),
		keyNoLoadRPM:      uint32(m.NoLoadRPM),
		keyNoLoadCurrent:  uint32(m.NoLoadCurrent),
		keyStallCurrent:   uint32(m.StallCurrent),
		keyKp:             uint32(m.RPMGains[0]),
		keyKi:             uint32(m.RPMGains[1]),
		keyKd:             uint32(m.RPMGains[2]),
		keyIMax:           uint32(m.IMax),
		keyIMin:           uint32(m.IMin),
	}
	for _, k := range recognizedKeys {
		if err := store.Store(k, values[k]); err != nil {
			logger.Error("failed to seed nvs key", "key", k, "error", err)
		}
	}
	logger.Info("seeded runtime configuration from rig file")
}

// loadRuntimeConfig retrieves every recognized key. The configuration is
// invalid if any recognized key is missing; in that case all values
// default to zero and no motors or signal handlers are registered.
func loadRuntimeConfig(store *nvs.Store) (runtimeConfig, bool) {
	values := make(map[string]uint32, len(recognizedKeys))
	for _, k := range recognizedKeys {
		v, err := store.Retrieve(k)
		if err != nil {
			return runtimeConfig{}, false
		}
		values[k] = v
	}
	return runtimeConfig{
		numberOfMotors: int(values[keyNumberOfMotors]),
		countsPerRev:   int32(values[keyCountsPerRev]),
		noLoadRPM:      int32(values[keyNoLoadRPM]),
		noLoadCurrent:  int32(values[keyNoLoadCurrent]),
		stallCurrent:   int32(values[keyStallCurrent]),
		kp:             int32(values[keyKp]),
		ki:             int32(values[keyKi]),
		kd:             int32(values[keyKd]),
		imax:           int32(values[keyIMax]),
		imin:           int32(values[keyIMin]),
	}, true
}

func buildMotors(rt runtimeConfig, rig *hostcfg.Config, clock *systime.System, svisor *supervisor.Supervisor, dispatcher *can.Dispatcher, logger *slog.Logger) (*motorctrl.Controller, *signalhandler.Handler) {
	n := rt.numberOfMotors
	if n <= 0 || n > len(rig.Motors) {
		n = len(rig.Motors)
	}

	motors := make([]*motor.Motor, 0, n)
	gains := make([]motorctrl.Gains, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("[MOTOR%d]", i)
		encoder := simhw.NewEncoder(uint32(rt.countsPerRev))
		driver := simhw.NewDriver()
		sense := simhw.NewCurrentSense(0)
		m := motor.New(name, motor.Config{CountsPerRevolution: rt.countsPerRev}, encoder, driver, sense, clock, logger)
		motors = append(motors, m)
		gains = append(gains, motorctrl.Gains{
			RPM:     [3]int32{rt.kp, rt.ki, rt.kd},
			Current: [3]int32{rt.kp, rt.ki, rt.kd},
		})
	}

	motorCtrl, err := motorctrl.New(motors, gains, logger)
	if err != nil {
		logger.Error("failed to build motor controller", "error", err)
		return nil, nil
	}

	packer := simhw.Packer{}
	sigHandler, err := signalhandler.New(packer, svisor, svisor, dispatcher, logger)
	if err != nil {
		logger.Error("failed to build signal handler", "error", err)
		return motorCtrl, nil
	}

	sigHandler.RegisterHandler(signalhandler.SignalControlRPM1, func(s signalhandler.Signal) {
		if err := motorCtrl.SetRPM(0, int16(s.Value)); err != nil {
			logger.Warn("set rpm failed", "error", err)
		}
	})
	if n > 1 {
		sigHandler.RegisterHandler(signalhandler.SignalControlRPM2, func(s signalhandler.Signal) {
			if err := motorCtrl.SetRPM(1, int16(s.Value)); err != nil {
				logger.Warn("set rpm failed", "error", err)
			}
		})
	}

	dispatcher.Subscribe(packer.MotorControlFrameID(), sigHandler)
	return motorCtrl, sigHandler
}

func emitStatus(sigHandler *signalhandler.Handler, motorCtrl *motorctrl.Controller, svisor *supervisor.Supervisor) {
	if svisor.GetState() != supervisor.StateActive {
		return
	}
	msg := signalhandler.MotorStatusFrame{}
	if motorCtrl != nil {
		if pos, err := motorCtrl.Position(0); err == nil {
			msg.RPM1 = int16(pos % 1000)
		}
	}
	_ = sigHandler.SendMotorStatus(msg)
}

// console reads whitespace-separated commands from r and writes
// "[OK]"/"[FAIL]" to w. On real hardware the same commands arrive over a
// UART line editor; here a plain line scanner stands in for it.
type console struct {
	w         *bufio.Writer
	motorCtrl *motorctrl.Controller
	store     *nvs.Store
	nvcom     *nvcom.Store
	reset     *simhw.Resetter
	logger    *slog.Logger
	lines     chan string
}

func newConsole(r *os.File, w *os.File, motorCtrl *motorctrl.Controller, store *nvs.Store, nvcomStore *nvcom.Store, reset *simhw.Resetter, logger *slog.Logger) *console {
	c := &console{
		w:         bufio.NewWriter(w),
		motorCtrl: motorCtrl,
		store:     store,
		nvcom:     nvcomStore,
		reset:     reset,
		logger:    logger.With("service", "[CONSOLE]"),
		lines:     make(chan string, 8),
	}
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			c.lines <- scanner.Text()
		}
		close(c.lines)
	}()
	return c
}

// poll drains at most one buffered line per call, one command per
// main-loop iteration.
func (c *console) poll() {
	select {
	case line, ok := <-c.lines:
		if !ok {
			return
		}
		c.handle(line)
	default:
	}
}

func (c *console) handle(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	ok := c.dispatch(fields[0], fields[1:])
	if ok {
		fmt.Fprint(c.w, "[OK]\r\n")
	} else {
		fmt.Fprint(c.w, "[FAIL]\r\n")
	}
	c.w.Flush()
}

func (c *console) dispatch(name string, args []string) bool {
	switch name {
	case "rpm":
		return c.withMotorAndInt(args, func(idx int, v int32) error {
			return c.motorCtrl.SetRPM(idx, int16(v))
		})
	case "current":
		return c.withMotorAndInt(args, func(idx int, v int32) error {
			return c.motorCtrl.SetCurrent(idx, int16(v))
		})
	case "run":
		return c.withMotor(args, c.motorCtrl.Run)
	case "coast":
		return c.withMotor(args, c.motorCtrl.Coast)
	case "brake":
		return c.withMotor(args, c.motorCtrl.Brake)
	case "store":
		if len(args) != 2 {
			return false
		}
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return false
		}
		return c.store.Store(args[0], uint32(v)) == nil
	case "remove":
		if len(args) != 1 {
			return false
		}
		return c.store.Remove(args[0]) == nil
	case "update":
		if c.motorCtrl != nil && c.motorCtrl.AnyRunning() {
			return false
		}
		c.logger.Info("update requested from console")
		data := c.nvcom.Data()
		data.RequestFirmwareUpdate = true
		c.nvcom.SetData(data)
		c.reset.Reset()
		return true
	case "reset":
		if c.motorCtrl != nil && c.motorCtrl.AnyRunning() {
			return false
		}
		c.logger.Info("reset requested from console")
		c.reset.Reset()
		return true
	case "level":
		if len(args) != 2 {
			return false
		}
		return setLogLevel(args[1])
	default:
		return false
	}
}

func (c *console) withMotorAndInt(args []string, fn func(idx int, v int32) error) bool {
	if c.motorCtrl == nil || len(args) != 2 {
		return false
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return false
	}
	v, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return false
	}
	return fn(idx, int32(v)) == nil
}

func (c *console) withMotor(args []string, fn func(idx int) error) bool {
	if c.motorCtrl == nil || len(args) != 1 {
		return false
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return false
	}
	return fn(idx) == nil
}
