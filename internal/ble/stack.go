package ble

// CharacteristicID names the characteristics the bridge pushes data to.
type CharacteristicID int

const (
	CharIndoorBikeData CharacteristicID = iota
	CharFitnessMachineStatus
	CharFitnessMachineControlPoint
	CharCyclingPowerMeasurement
)

func (id CharacteristicID) String() string {
	switch id {
	case CharIndoorBikeData:
		return "IndoorBikeData"
	case CharFitnessMachineStatus:
		return "FitnessMachineStatus"
	case CharFitnessMachineControlPoint:
		return "FitnessMachineControlPoint"
	case CharCyclingPowerMeasurement:
		return "CyclingPowerMeasurement"
	default:
		return "Unknown"
	}
}

// Stack abstracts the GATT peripheral so the bridge can be exercised without
// a radio. Setup registers the fixed FTMS + Cycling Power GATT table,
// onControlWrite receives central writes to the control point and onSubscribe
// reports subscription changes for the notifying characteristics.
type Stack interface {
	Setup(deviceName string, onControlWrite func(data []byte), onSubscribe func(id CharacteristicID, subscribed bool)) error
	// Notify pushes data to id's current subscribers. The bridge only calls
	// this while it believes id is subscribed.
	Notify(id CharacteristicID, data []byte) error
	// Advertise starts advertising; the stack keeps advertising in the
	// background until it is torn down.
	Advertise() error
}

// Controller is what control point writes drive. The composition root
// implements it over the bike state machine and the serial link.
type Controller interface {
	// RequestControl reports whether the central may take control.
	RequestControl() bool
	// Reset returns the machine to its idle defaults.
	Reset()
	// SetTargetPower switches to ERG mode at the given wattage.
	SetTargetPower(watts int) bool
	// SetSimulation switches to SIM mode under the given conditions.
	SetSimulation(windspeed, grade, crr, cw float64) bool
	// Start and Stop resume or pause the workout.
	Start()
	Stop()
}
