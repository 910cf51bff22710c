// Package bike holds the trainer state machine: control mode, virtual gear,
// target power, and the SIM-mode physics that turns grade and cadence into a
// resistance command.
package bike

import (
	"log"
	"math"
	"sync"

	"github.com/lowaak/kettler-bridge/internal/events"
	"github.com/lowaak/kettler-bridge/internal/kettler"
)

// Mode selects how resistance is derived.
type Mode int

const (
	ModeERG Mode = iota // resistance fixed to the target power
	ModeSIM             // resistance from simulated grade/wind physics
)

func (m Mode) String() string {
	switch m {
	case ModeERG:
		return "ERG"
	case ModeSIM:
		return "SIM"
	default:
		return "Unknown"
	}
}

// Gear and target power bounds.
const (
	MinGear = 1
	MaxGear = 20

	MinTargetPower = 0
	MaxTargetPower = 1000

	// Target power assumed when the rider adjusts power before any value is known.
	initialTargetPower = 100

	// Cadence assumed when a telegram carried no cadence field.
	defaultRPM = 80
)

// Conditions are the external conditions a SIM-mode central sends.
type Conditions struct {
	Windspeed float64 // m/s
	Grade     float64 // percent
	Crr       float64 // rolling resistance coefficient
	Cw        float64 // wind resistance coefficient
}

// State is the bike trainer state machine. All mutation goes through its
// methods; listeners observe changes through the typed events.
type State struct {
	mu             sync.Mutex
	logger         *log.Logger
	mode           Mode
	gear           int
	targetPower    int
	targetPowerSet bool
	conditions     *Conditions
	sample         *kettler.Sample

	modeEvent        *events.Emitter[Mode]
	gearEvent        *events.Emitter[int]
	targetPowerEvent *events.Emitter[int]
	resistanceEvent  *events.Emitter[float64]
	simPowerEvent    *events.Emitter[float64]
	gradeEvent       *events.Emitter[float64]
	windspeedEvent   *events.Emitter[float64]
	telemetryEvent   *events.Emitter[kettler.Sample]
}

// NewState creates the state machine in ERG mode with gear 1 and no target
// power. The target power stays unset until a telegram reports one or a
// control write sets one.
func NewState(logger *log.Logger) *State {
	if logger == nil {
		panic("bike: logger cannot be nil")
	}
	logger.Printf("BikeState: starting")
	return &State{
		logger:           logger,
		mode:             ModeERG,
		gear:             MinGear,
		modeEvent:        events.NewEmitter[Mode](true),
		gearEvent:        events.NewEmitter[int](true),
		targetPowerEvent: events.NewEmitter[int](true),
		resistanceEvent:  events.NewEmitter[float64](false),
		simPowerEvent:    events.NewEmitter[float64](false),
		gradeEvent:       events.NewEmitter[float64](true),
		windspeedEvent:   events.NewEmitter[float64](true),
		telemetryEvent:   events.NewEmitter[kettler.Sample](false),
	}
}

// ListenMode registers fn for mode changes; returns the deregistration func.
func (s *State) ListenMode(fn func(Mode)) func() { return s.modeEvent.Subscribe(fn) }

// ListenGear registers fn for gear changes.
func (s *State) ListenGear(fn func(int)) func() { return s.gearEvent.Subscribe(fn) }

// ListenTargetPower registers fn for target power changes.
func (s *State) ListenTargetPower(fn func(int)) func() { return s.targetPowerEvent.Subscribe(fn) }

// ListenResistance registers fn for outgoing resistance commands in watts.
func (s *State) ListenResistance(fn func(float64)) func() { return s.resistanceEvent.Subscribe(fn) }

// ListenSimPower registers fn for computed SIM power telemetry.
func (s *State) ListenSimPower(fn func(float64)) func() { return s.simPowerEvent.Subscribe(fn) }

// ListenGrade registers fn for grade changes (percent, rounded to 0.1).
func (s *State) ListenGrade(fn func(float64)) func() { return s.gradeEvent.Subscribe(fn) }

// ListenWindspeed registers fn for windspeed changes (km/h, rounded to 0.1).
func (s *State) ListenWindspeed(fn func(float64)) func() { return s.windspeedEvent.Subscribe(fn) }

// ListenTelemetry registers fn for processed telemetry samples.
func (s *State) ListenTelemetry(fn func(kettler.Sample)) func() { return s.telemetryEvent.Subscribe(fn) }

// Mode returns the current control mode.
func (s *State) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Gear returns the current virtual gear.
func (s *State) Gear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gear
}

// TargetPower returns the target power and whether one has been set.
func (s *State) TargetPower() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetPower, s.targetPowerSet
}

// SetMode switches the control mode. Switching to ERG stops the physics
// computation; switching to SIM only activates it once conditions arrive via
// SetConditions.
func (s *State) SetMode(mode Mode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	s.logger.Printf("BikeState: mode %s", mode)
	s.modeEvent.Emit(mode)
}

// SetGear sets the virtual gear, clamped to [MinGear, MaxGear]. The clamped
// value is always emitted, even when unchanged.
func (s *State) SetGear(gear int) {
	s.mu.Lock()
	s.gear = clampInt(gear, MinGear, MaxGear)
	gear = s.gear
	s.mu.Unlock()
	s.gearEvent.Emit(gear)
}

// GearUp increases the gear by one, saturating at MaxGear.
func (s *State) GearUp() {
	s.mu.Lock()
	if s.gear < MaxGear {
		s.gear++
	}
	gear := s.gear
	s.mu.Unlock()
	s.gearEvent.Emit(gear)
}

// GearDown decreases the gear by one, saturating at MinGear.
func (s *State) GearDown() {
	s.mu.Lock()
	if s.gear > MinGear {
		s.gear--
	}
	gear := s.gear
	s.mu.Unlock()
	s.gearEvent.Emit(gear)
}

// SetTargetPower forces ERG mode and sets the target power. The value doubles
// as the resistance command, so both events fire with the same watts.
func (s *State) SetTargetPower(watts int) {
	s.mu.Lock()
	s.mode = ModeERG
	s.targetPower = watts
	s.targetPowerSet = true
	s.mu.Unlock()
	s.logger.Printf("BikeState: ERG target power %dW", watts)
	s.modeEvent.Emit(ModeERG)
	s.targetPowerEvent.Emit(watts)
	s.resistanceEvent.Emit(float64(watts))
}

// AddPower adjusts the target power by delta watts. An unset target power is
// initialized to 100 before the delta applies; the result is clamped to
// [MinTargetPower, MaxTargetPower].
func (s *State) AddPower(delta int) {
	s.mu.Lock()
	if !s.targetPowerSet {
		s.targetPower = initialTargetPower
		s.targetPowerSet = true
	}
	s.targetPower = clampInt(s.targetPower+delta, MinTargetPower, MaxTargetPower)
	watts := s.targetPower
	s.mu.Unlock()
	s.targetPowerEvent.Emit(watts)
	s.resistanceEvent.Emit(float64(watts))
}

// SetConditions forces SIM mode and stores the external conditions used by
// the physics computation.
func (s *State) SetConditions(windspeed, grade, crr, cw float64) {
	s.mu.Lock()
	s.mode = ModeSIM
	s.conditions = &Conditions{Windspeed: windspeed, Grade: grade, Crr: crr, Cw: cw}
	s.mu.Unlock()
	s.logger.Printf("BikeState: SIM conditions wind %.2fm/s grade %.1f%%", windspeed, grade)
	s.modeEvent.Emit(ModeSIM)
	s.gradeEvent.Emit(round1(grade))
	s.windspeedEvent.Emit(round1(windspeed * 3.6))
}

// OnTelemetry processes a telemetry sample from the serial link. The first
// sample carrying a hardware-reported target power latches it as the initial
// target power. In SIM mode with conditions present the physics computation
// runs and produces a resistance command.
func (s *State) OnTelemetry(sample kettler.Sample) {
	s.mu.Lock()
	latched := false
	if !s.targetPowerSet && sample.HasTargetPower {
		s.targetPower = sample.TargetPower
		s.targetPowerSet = true
		latched = true
	}
	s.sample = &sample
	compute := s.mode == ModeSIM && s.conditions != nil
	var grade float64
	gear := s.gear
	if compute {
		grade = s.conditions.Grade
	}
	s.mu.Unlock()

	if latched {
		s.logger.Printf("BikeState: initialized target power from bike: %dW", sample.TargetPower)
		s.targetPowerEvent.Emit(sample.TargetPower)
	}
	if compute {
		rpm := float64(defaultRPM)
		if sample.HasCadence {
			rpm = float64(sample.Cadence)
		}
		sim := simPower(rpm, grade, gear)
		s.resistanceEvent.Emit(sim)
		s.simPowerEvent.Emit(sim)
	}
	s.telemetryEvent.Emit(sample)
}

// Restart resets the trainer to its initial control mode. Gear and target
// power survive, the last telemetry sample does not.
func (s *State) Restart() {
	s.mu.Lock()
	s.mode = ModeERG
	s.sample = nil
	s.mu.Unlock()
	s.logger.Printf("BikeState: restart")
	s.modeEvent.Emit(ModeERG)
}

// simPower is the SIM-mode physics formula: a 170W baseline scaled by cadence
// and grade, then by the gear multiplier. The result is floored at zero and
// rounded to one decimal; it is deliberately not clamped to the ERG target
// power range.
func simPower(rpm, grade float64, gear int) float64 {
	base := 170 * (1 + 1.15*(rpm-80)/80) * (1 + 3*grade/100)
	return round1(math.Max(0, base*(1+0.1*float64(gear-5))))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
