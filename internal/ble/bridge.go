package ble

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/lowaak/kettler-bridge/internal/kettler"
)

// Bridge exposes the bike as an FTMS + Cycling Power GATT peripheral. It
// keeps the latest value per characteristic, gates notifications on the
// central's subscriptions and runs the control point op code machine against
// an injected Controller.
type Bridge struct {
	logger     *log.Logger
	stack      Stack
	controller Controller
	now        func() time.Time

	mu         sync.Mutex
	values     map[CharacteristicID][]byte
	subscribed map[CharacteristicID]bool
	authorized bool

	// Crank state for the Cycling Power Measurement. Revolutions accumulate
	// as a float so slow cadence is not lost to truncation; the event clock
	// truncates per step, matching how the head unit has always been
	// bridged.
	crankRevs    float64
	crankTicks   uint16
	lastCrank    time.Time
	hasLastCrank bool
}

// NewBridge creates a Bridge over stack and controller.
func NewBridge(stack Stack, controller Controller, logger *log.Logger) *Bridge {
	if stack == nil {
		panic("Bridge: stack cannot be nil")
	}
	if controller == nil {
		panic("Bridge: controller cannot be nil")
	}
	if logger == nil {
		panic("Bridge: logger cannot be nil")
	}
	return &Bridge{
		logger:     logger,
		stack:      stack,
		controller: controller,
		now:        time.Now,
		values:     make(map[CharacteristicID][]byte),
		subscribed: make(map[CharacteristicID]bool),
	}
}

// Start registers the GATT table. Advertising is the caller's loop to run.
func (b *Bridge) Start(deviceName string) error {
	return b.stack.Setup(deviceName, b.HandleControlWrite, b.handleSubscribe)
}

// Value returns the stored value for a characteristic.
func (b *Bridge) Value(id CharacteristicID) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.values[id]
}

func (b *Bridge) handleSubscribe(id CharacteristicID, subscribed bool) {
	b.mu.Lock()
	b.subscribed[id] = subscribed
	b.mu.Unlock()
	b.logger.Printf("Bridge: %s subscribed=%v", id, subscribed)
}

// OnTelemetry advances the crank counters and pushes fresh Indoor Bike Data
// and Cycling Power Measurement values.
func (b *Bridge) OnTelemetry(sample kettler.Sample) {
	b.mu.Lock()
	now := b.now()
	if b.hasLastCrank {
		dt := now.Sub(b.lastCrank).Seconds()
		if dt > 0 {
			if sample.HasCadence {
				b.crankRevs += float64(sample.Cadence) / 60.0 * dt
			}
			b.crankTicks += uint16(dt * 1024)
		}
	}
	b.lastCrank = now
	b.hasLastCrank = true

	power := 0
	if sample.HasPower {
		power = sample.Power
	}
	revs := uint16(uint64(math.Floor(b.crankRevs)) % 65536)
	ticks := b.crankTicks
	b.mu.Unlock()

	b.setAndNotify(CharIndoorBikeData, encodeIndoorBikeData(sample))
	b.setAndNotify(CharCyclingPowerMeasurement, encodeCyclingPowerMeasurement(power, revs, ticks))
}

// setAndNotify stores the value and pushes it only while the characteristic
// has a subscriber.
func (b *Bridge) setAndNotify(id CharacteristicID, data []byte) {
	b.mu.Lock()
	b.values[id] = data
	subscribed := b.subscribed[id]
	b.mu.Unlock()

	if !subscribed {
		return
	}
	if err := b.stack.Notify(id, data); err != nil {
		b.logger.Printf("Bridge: notify %s failed: %v", id, err)
	}
}

// HandleControlWrite runs one control point write through the op code
// machine and indicates the [0x80, op, result] response.
func (b *Bridge) HandleControlWrite(data []byte) {
	if len(data) == 0 {
		b.logger.Printf("Bridge: empty control point write")
		return
	}
	op := data[0]
	result := b.execute(op, data[1:])
	b.respond(op, result)
}

func (b *Bridge) execute(op byte, params []byte) byte {
	b.mu.Lock()
	authorized := b.authorized
	b.mu.Unlock()

	switch op {
	case FTMSOpCodeRequestControl:
		if authorized {
			return FTMSResultSuccess
		}
		if !b.controller.RequestControl() {
			return FTMSResultOperationFailed
		}
		b.mu.Lock()
		b.authorized = true
		b.mu.Unlock()
		b.logger.Printf("Bridge: control granted")
		return FTMSResultSuccess

	case FTMSOpCodeReset:
		if !authorized {
			b.logger.Printf("Bridge: reset without control")
			return FTMSResultControlNotPermitted
		}
		b.controller.Reset()
		b.mu.Lock()
		b.authorized = false
		b.mu.Unlock()
		b.logger.Printf("Bridge: reset, control released")
		return FTMSResultSuccess

	case FTMSOpCodeSetTargetPower:
		if !authorized {
			b.logger.Printf("Bridge: set target power without control")
			return FTMSResultControlNotPermitted
		}
		if len(params) < 2 {
			return FTMSResultInvalidParameter
		}
		watts := int(decodeInt16LE(params[0], params[1]))
		b.logger.Printf("Bridge: set target power %d W", watts)
		if !b.controller.SetTargetPower(watts) {
			return FTMSResultOperationFailed
		}
		return FTMSResultSuccess

	case FTMSOpCodeStartOrResume:
		b.controller.Start()
		b.setAndNotify(CharFitnessMachineStatus, []byte{machineStatusStarted})
		return FTMSResultSuccess

	case FTMSOpCodeStopOrPause:
		b.controller.Stop()
		b.setAndNotify(CharFitnessMachineStatus, []byte{machineStatusStopped})
		return FTMSResultSuccess

	case FTMSOpCodeSetIndoorBikeSimulation:
		if len(params) < 6 {
			return FTMSResultInvalidParameter
		}
		windspeed := float64(decodeInt16LE(params[0], params[1])) * 0.001
		grade := float64(decodeInt16LE(params[2], params[3])) * 0.01
		crr := float64(params[4]) * 0.0001
		cw := float64(params[5]) * 0.01
		b.logger.Printf("Bridge: simulation wind=%.3f m/s grade=%.2f%% crr=%.4f cw=%.2f", windspeed, grade, crr, cw)
		if !b.controller.SetSimulation(windspeed, grade, crr, cw) {
			return FTMSResultOperationFailed
		}
		return FTMSResultSuccess

	default:
		b.logger.Printf("Bridge: unsupported op code 0x%02X", op)
		return FTMSResultOpCodeNotSupported
	}
}

func (b *Bridge) respond(op, result byte) {
	response := []byte{FTMSOpCodeResponseCode, op, result}

	b.mu.Lock()
	b.values[CharFitnessMachineControlPoint] = response
	subscribed := b.subscribed[CharFitnessMachineControlPoint]
	b.mu.Unlock()

	if !subscribed {
		b.logger.Printf("Bridge: dropped response %v, control point not indicating", response)
		return
	}
	if err := b.stack.Notify(CharFitnessMachineControlPoint, response); err != nil {
		b.logger.Printf("Bridge: indicate response failed: %v", err)
	}
}
