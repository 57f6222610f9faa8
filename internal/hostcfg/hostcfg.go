// Package hostcfg loads the host simulation rig's configuration from an
// INI file: motor nameplate values and PID gains (the host-side stand-in
// for what a real board would read out of pkg/nvs once flashed), the NVS
// backing file, and which CAN backend/channel to bind to -- a declarative
// file describing an otherwise code-constructed runtime, using the same
// ini.Load / section.Key().String() idiom gopkg.in/ini.v1 is built around.
package hostcfg

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// MotorConfig mirrors the recognized runtime-configuration NVS keys for
// one motor channel: nameplate values plus the cascaded PID's gains.
type MotorConfig struct {
	CountsPerRev  int32
	NoLoadRPM     int32
	NoLoadCurrent int32
	StallCurrent  int32
	RPMGains      [3]int32 // Kp, Ki, Kd
	CurrentGains  [3]int32
	IMax, IMin    int32
}

// Config is the host simulation rig's full configuration, loaded from one
// INI file.
type Config struct {
	// CANInterface/CANChannel select a can.Bus backend, matching
	// can.NewBus's (interfaceType, channel) pair. Recognized interfaces
	// are "socketcan" and "virtual"/"virtualcan".
	CANInterface string
	CANChannel   string

	// NVSBackingFile is loaded from [nvs] backing_file. Neither binary
	// reads it: the flash.Sim behind the NVS store and the upgrade region
	// is in-memory only, so its contents are lost on exit.
	NVSBackingFile string

	// Board identity, reported verbatim in fwmanager.Info.
	BoardName        string
	HardwareRevision uint32
	DeviceID         [3]uint32
	GitSHA           string
	Version          string

	Motors []MotorConfig
}

// Load reads path as an INI file with one [motor0], [motor1], ... section
// per configured motor channel, plus a [board] and a [can] section.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("hostcfg: %w", err)
	}

	cfg := &Config{}

	can := f.Section("can")
	cfg.CANInterface = can.Key("interface").MustString("virtual")
	cfg.CANChannel = can.Key("channel").MustString("localhost:18000")

	nvs := f.Section("nvs")
	cfg.NVSBackingFile = nvs.Key("backing_file").MustString("")

	board := f.Section("board")
	cfg.BoardName = board.Key("name").MustString("candrive")
	cfg.HardwareRevision = uint32(board.Key("hardware_revision").MustUint(1))
	cfg.DeviceID = [3]uint32{
		uint32(board.Key("device_id_0").MustUint(0)),
		uint32(board.Key("device_id_1").MustUint(0)),
		uint32(board.Key("device_id_2").MustUint(0)),
	}
	cfg.GitSHA = board.Key("git_sha").MustString("unknown")
	cfg.Version = board.Key("version").MustString("0.0.0")

	for i := 0; ; i++ {
		name := fmt.Sprintf("motor%d", i)
		if !f.HasSection(name) {
			break
		}
		s := f.Section(name)
		mc := MotorConfig{
			CountsPerRev:  int32(s.Key("counts_per_rev").MustInt(0)),
			NoLoadRPM:     int32(s.Key("no_load_rpm").MustInt(0)),
			NoLoadCurrent: int32(s.Key("no_load_current").MustInt(0)),
			StallCurrent:  int32(s.Key("stall_current").MustInt(0)),
			IMax:          int32(s.Key("imax").MustInt(1000)),
			IMin:          int32(s.Key("imin").MustInt(-1000)),
		}
		mc.RPMGains = [3]int32{
			int32(s.Key("rpm_kp").MustInt(0)),
			int32(s.Key("rpm_ki").MustInt(0)),
			int32(s.Key("rpm_kd").MustInt(0)),
		}
		mc.CurrentGains = [3]int32{
			int32(s.Key("current_kp").MustInt(0)),
			int32(s.Key("current_ki").MustInt(0)),
			int32(s.Key("current_kd").MustInt(0)),
		}
		if mc.CountsPerRev <= 0 {
			return nil, fmt.Errorf("hostcfg: section [%s]: counts_per_rev must be positive", name)
		}
		cfg.Motors = append(cfg.Motors, mc)
	}

	if len(cfg.Motors) == 0 {
		return nil, fmt.Errorf("hostcfg: no [motorN] sections found in %s", path)
	}

	return cfg, nil
}
