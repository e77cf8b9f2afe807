// Package progressor speaks the Tindeq Progressor BLE protocol: opcode-only
// command frames written to the control characteristic, and notification
// frames (command responses, weight measurements, low-power warnings) pushed
// back on the notify characteristic.
package progressor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/owenhdiba/tindeq-sonification/internal/handoff"
)

// GATT UUIDs for the Progressor service.
const (
	ServiceUUID    = "7e4e1701-1ea6-40c9-9dcc-13d34ffead57"
	NotifyCharUUID = "7e4e1702-1ea6-40c9-9dcc-13d34ffead57"
	WriteCharUUID  = "7e4e1703-1ea6-40c9-9dcc-13d34ffead57"
)

// Command is a Progressor control opcode.
type Command byte

const (
	CmdTareScale                 Command = 0x64
	CmdStartWeightMeasurement    Command = 0x65
	CmdStopWeightMeasurement     Command = 0x66
	CmdStartPeakForceMeasurement Command = 0x67
	CmdStartPeakForceSeries      Command = 0x68
	CmdAddCalibrationPoint       Command = 0x69
	CmdSaveCalibration           Command = 0x6A
	CmdGetAppVersion             Command = 0x6B
	CmdGetErrorInfo              Command = 0x6C
	CmdClearErrorInfo            Command = 0x6D
	CmdSleep                     Command = 0x6E
	CmdGetBatteryVoltage         Command = 0x6F
)

var commandNames = map[Command]string{
	CmdTareScale:                 "TareScale",
	CmdStartWeightMeasurement:    "StartWeightMeasurement",
	CmdStopWeightMeasurement:     "StopWeightMeasurement",
	CmdStartPeakForceMeasurement: "StartPeakForceMeasurement",
	CmdStartPeakForceSeries:      "StartPeakForceSeries",
	CmdAddCalibrationPoint:       "AddCalibrationPoint",
	CmdSaveCalibration:           "SaveCalibration",
	CmdGetAppVersion:             "GetAppVersion",
	CmdGetErrorInfo:              "GetErrorInfo",
	CmdClearErrorInfo:            "ClearErrorInfo",
	CmdSleep:                     "Sleep",
	CmdGetBatteryVoltage:         "GetBatteryVoltage",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02X)", byte(c))
}

// Encode renders the command as the two-byte little-endian frame the device
// expects: opcode in the low byte, no payload.
func (c Command) Encode() []byte {
	return []byte{byte(c), 0x00}
}

// NotificationKind is the first header byte of a notification frame.
type NotificationKind byte

const (
	KindCommandResponse   NotificationKind = 0
	KindWeightMeasurement NotificationKind = 1
	KindLowPowerWarning   NotificationKind = 4
)

func (k NotificationKind) String() string {
	switch k {
	case KindCommandResponse:
		return "CommandResponse"
	case KindWeightMeasurement:
		return "WeightMeasurement"
	case KindLowPowerWarning:
		return "LowPowerWarning"
	default:
		return fmt.Sprintf("NotificationKind(%d)", byte(k))
	}
}

// weightRecordSize is one (float32 weight, uint32 microseconds) pair.
const weightRecordSize = 8

// Notification is one decoded frame from the notify characteristic.
// Samples is populated for weight measurements, Payload for command
// responses; a low-power warning carries neither.
type Notification struct {
	Kind    NotificationKind
	Samples []handoff.Sample
	Payload []byte
}

// DecodeNotification parses a raw notification frame. An unrecognized kind
// or a truncated weight record returns an error wrapping ErrDecode: the
// stream is assumed out of sync and the session treats that as fatal.
func DecodeNotification(buf []byte) (Notification, error) {
	if len(buf) < 2 {
		return Notification{}, fmt.Errorf("%w: frame too short (%d bytes)", ErrDecode, len(buf))
	}
	kind := NotificationKind(buf[0])
	body := buf[2:]

	switch kind {
	case KindWeightMeasurement:
		if len(body)%weightRecordSize != 0 {
			return Notification{}, fmt.Errorf("%w: weight payload length %d not a multiple of %d",
				ErrDecode, len(body), weightRecordSize)
		}
		samples := make([]handoff.Sample, 0, len(body)/weightRecordSize)
		for off := 0; off < len(body); off += weightRecordSize {
			weight := math.Float32frombits(binary.LittleEndian.Uint32(body[off:]))
			micros := binary.LittleEndian.Uint32(body[off+4:])
			samples = append(samples, handoff.Sample{
				T:      float64(micros) / 1e6,
				Weight: float64(weight),
			})
		}
		return Notification{Kind: kind, Samples: samples}, nil

	case KindCommandResponse:
		return Notification{Kind: kind, Payload: body}, nil

	case KindLowPowerWarning:
		return Notification{Kind: kind}, nil

	default:
		return Notification{}, fmt.Errorf("%w: unknown notification kind %d", ErrDecode, buf[0])
	}
}

// DecodeBatteryVoltage reads a battery response payload in millivolts.
func DecodeBatteryVoltage(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: battery payload length %d, want 4", ErrDecode, len(payload))
	}
	return binary.LittleEndian.Uint32(payload), nil
}
