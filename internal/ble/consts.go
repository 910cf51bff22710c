package ble

import "tinygo.org/x/bluetooth"

// GATT UUIDs for the Fitness Machine and Cycling Power services.
var (
	uuidFitnessMachineService      = bluetooth.New16BitUUID(0x1826)
	uuidFitnessMachineFeature      = bluetooth.New16BitUUID(0x2ACC)
	uuidIndoorBikeData             = bluetooth.New16BitUUID(0x2AD2)
	uuidSupportedPowerRange        = bluetooth.New16BitUUID(0x2AD8)
	uuidFitnessMachineControlPoint = bluetooth.New16BitUUID(0x2AD9)
	uuidFitnessMachineStatus       = bluetooth.New16BitUUID(0x2ADA)

	uuidCyclingPowerService     = bluetooth.New16BitUUID(0x1818)
	uuidCyclingPowerMeasurement = bluetooth.New16BitUUID(0x2A63)
	uuidCyclingPowerFeature     = bluetooth.New16BitUUID(0x2A65)
	uuidSensorLocation          = bluetooth.New16BitUUID(0x2A5D)
)

// FTMS Control Point op codes
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	FTMSOpCodeRequestControl          = 0x00
	FTMSOpCodeReset                   = 0x01
	FTMSOpCodeSetTargetPower          = 0x05
	FTMSOpCodeStartOrResume           = 0x07
	FTMSOpCodeStopOrPause             = 0x08
	FTMSOpCodeSetIndoorBikeSimulation = 0x11
	FTMSOpCodeResponseCode            = 0x80
)

// FTMS Control Point result codes
const (
	FTMSResultSuccess             = 0x01
	FTMSResultOpCodeNotSupported  = 0x02
	FTMSResultInvalidParameter    = 0x03
	FTMSResultOperationFailed     = 0x04
	FTMSResultControlNotPermitted = 0x05
)

// Fitness Machine Status op codes
const (
	machineStatusStopped = 0x02
	machineStatusStarted = 0x04
)

var (
	// Average speed, cadence, power measurement and power target supported.
	ftmsFeatureValue = []byte{0x02, 0x44, 0x00, 0x00, 0x08, 0x20, 0x00, 0x00}
	// Target power range 50..600 W in 5 W steps.
	supportedPowerRangeValue = []byte{0x32, 0x00, 0x58, 0x02, 0x05, 0x00}
	// Crank revolution data supported.
	cyclingPowerFeatureValue = []byte{0x08, 0x00, 0x00, 0x00}
	// Sensor location: rear hub.
	sensorLocationValue = []byte{0x0D}
)
