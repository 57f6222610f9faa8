// Command candrive-bootloader is CANDrive's bootloader-side binary: on
// every boot it validates the application image header and CRC, and
// either jumps to the application or stays resident running the
// firmware-update protocol. NVCom's request_firmware_update flag, set by
// the application before it resets into update mode, forces the resident
// path even when the current image is valid. The update path reuses the
// same fwmanager/isotp/flash stack the application binary carries.
package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/candrive/firmware/internal/hostcfg"
	"github.com/candrive/firmware/internal/simhw"
	"github.com/candrive/firmware/pkg/can"
	_ "github.com/candrive/firmware/pkg/can/socketcan"
	_ "github.com/candrive/firmware/pkg/can/virtual"
	"github.com/candrive/firmware/pkg/flash"
	"github.com/candrive/firmware/pkg/fwmanager"
	"github.com/candrive/firmware/pkg/image"
	"github.com/candrive/firmware/pkg/nvcom"
	"github.com/candrive/firmware/pkg/systime"
)

const (
	appFlashBase = 0x08010000
	appFlashSize = 128 * 1024
	pageSize     = 1024

	firmwareUpdateRxID = 1
	firmwareUpdateTxID = 2
)

func main() {
	rigPath := flag.String("rig", "rig.ini", "host simulation rig INI file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})).With("service", "[BOOT]")
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

	appFlash := flash.NewSim(appFlashBase, appFlashSize, pageSize, logger)
	nvcomStore := nvcom.New(nvcom.NewSimRegisters(), logger)

	data := nvcomStore.Data()
	if data.RequestFirmwareUpdate {
		logger.Info("update requested by application, staying resident")
		runUpdateService(rig, clock, appFlash, nvcomStore, logger)
		return
	}

	header, valid := validateApplication(appFlash, logger)
	if !valid {
		logger.Warn("no valid application image, entering update service")
		runUpdateService(rig, clock, appFlash, nvcomStore, logger)
		return
	}

	logger.Info("valid application image found, jumping", "version", header.VersionString, "git_sha", header.GitSHA, "vector_address", header.VectorAddress)
	data.FirmwareWasUpdated = false
	nvcomStore.SetData(data)
}

// validateApplication reads the image header from the start of appFlash
// and checks its magic and CRC.
func validateApplication(dev *flash.Sim, logger *slog.Logger) (image.Header, bool) {
	buf, err := dev.Read(appFlashBase, image.HeaderSize)
	if err != nil {
		logger.Error("failed to read image header", "error", err)
		return image.Header{}, false
	}
	// The CRC covers bytes [12, 12+size), which reach past the header.
	if h, err := image.GetHeader(buf); err == nil && 12+int(h.Size) > len(buf) {
		if full, err := dev.Read(appFlashBase, 12+int(h.Size)); err == nil {
			buf = full
		}
	}
	header, err := image.IsValid(buf)
	if err != nil {
		logger.Warn("application image invalid", "error", err)
		return header, false
	}
	return header, true
}

// runUpdateService runs the firmware-update protocol until a new image
// is received and the device resets.
func runUpdateService(rig *hostcfg.Config, clock *systime.System, appFlash *flash.Sim, nvcomStore *nvcom.Store, logger *slog.Logger) {
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

	resetter := simhw.NewResetter(func() {
		logger.Info("update complete, re-validating application")
		if _, valid := validateApplication(appFlash, logger); valid {
			data := nvcomStore.Data()
			data.RequestFirmwareUpdate = false
			data.FirmwareWasUpdated = true
			nvcomStore.SetData(data)
		}
		os.Exit(0)
	}, logger)

	fwInfo := fwmanager.Info{
		Version:           rig.Version,
		HardwareRevision:  rig.HardwareRevision,
		Name:              rig.BoardName,
		BoardID:           rig.DeviceID,
		GitSHA:            rig.GitSHA,
		UpgradeMemoryAddr: appFlashBase,
	}
	fwMgr := fwmanager.New(dispatcher, clock, firmwareUpdateRxID, firmwareUpdateTxID, appFlash, appFlashBase, nvcomStore, resetter, fwInfo, logger)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		fwMgr.Update()
	}
}
