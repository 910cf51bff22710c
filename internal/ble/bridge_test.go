package ble

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/kettler-bridge/internal/kettler"
)

type mockController struct {
	mu           sync.Mutex
	denyControl  bool
	failPower    bool
	failSim      bool
	targetPowers []int
	sims         [][4]float64
	resets       int
	starts       int
	stops        int
}

func (c *mockController) RequestControl() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.denyControl
}

func (c *mockController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
}

func (c *mockController) SetTargetPower(watts int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetPowers = append(c.targetPowers, watts)
	return !c.failPower
}

func (c *mockController) SetSimulation(windspeed, grade, crr, cw float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sims = append(c.sims, [4]float64{windspeed, grade, crr, cw})
	return !c.failSim
}

func (c *mockController) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
}

func (c *mockController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func newTestBridge(t *testing.T) (*Bridge, *MockStack, *mockController) {
	t.Helper()
	stack := NewMockStack()
	controller := &mockController{}
	b := NewBridge(stack, controller, log.New(io.Discard, "", 0))
	require.NoError(t, b.Start("KettlerRacer9"))
	return b, stack, controller
}

func lastNotification(t *testing.T, stack *MockStack, id CharacteristicID) []byte {
	t.Helper()
	n := stack.Notifications(id)
	require.NotEmpty(t, n, "no notifications on %s", id)
	return n[len(n)-1]
}

func TestBridge_RequestControl(t *testing.T) {
	_, stack, _ := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))
	assert.Equal(t, []byte{0x80, 0x00, 0x01}, lastNotification(t, stack, CharFitnessMachineControlPoint))
}

func TestBridge_RequestControlDenied(t *testing.T) {
	_, stack, controller := newTestBridge(t)
	controller.denyControl = true
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))
	assert.Equal(t, []byte{0x80, 0x00, 0x04}, lastNotification(t, stack, CharFitnessMachineControlPoint))
}

func TestBridge_CommandsNeedControl(t *testing.T) {
	_, stack, controller := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeSetTargetPower, 0xFA, 0x00}))
	assert.Equal(t, []byte{0x80, 0x05, 0x05}, lastNotification(t, stack, CharFitnessMachineControlPoint))
	assert.Empty(t, controller.targetPowers)
}

func TestBridge_SetTargetPower(t *testing.T) {
	_, stack, controller := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))
	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeSetTargetPower, 0xFA, 0x00}))
	assert.Equal(t, []byte{0x80, 0x05, 0x01}, lastNotification(t, stack, CharFitnessMachineControlPoint))
	assert.Equal(t, []int{250}, controller.targetPowers)
}

func TestBridge_SetTargetPowerShortParams(t *testing.T) {
	_, stack, _ := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))
	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeSetTargetPower, 0xFA}))
	assert.Equal(t, []byte{0x80, 0x05, 0x03}, lastNotification(t, stack, CharFitnessMachineControlPoint))
}

func TestBridge_SetSimulation(t *testing.T) {
	_, stack, controller := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))
	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))

	// wind 0 m/s, grade 3.00 %, crr 0.0050, cw 0.39
	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeSetIndoorBikeSimulation, 0x00, 0x00, 0x2C, 0x01, 50, 39}))
	assert.Equal(t, []byte{0x80, 0x11, 0x01}, lastNotification(t, stack, CharFitnessMachineControlPoint))

	require.Len(t, controller.sims, 1)
	sim := controller.sims[0]
	assert.InDelta(t, 0.0, sim[0], 1e-9)
	assert.InDelta(t, 3.0, sim[1], 1e-9)
	assert.InDelta(t, 0.005, sim[2], 1e-9)
	assert.InDelta(t, 0.39, sim[3], 1e-9)
}

func TestBridge_SetSimulationNegativeGrade(t *testing.T) {
	_, stack, controller := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))
	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))

	// grade -1.50 % = -150 = 0xFF6A little-endian
	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeSetIndoorBikeSimulation, 0x00, 0x00, 0x6A, 0xFF, 50, 39}))
	require.Len(t, controller.sims, 1)
	assert.InDelta(t, -1.5, controller.sims[0][1], 1e-9)
}

func TestBridge_StartStopNotifyMachineStatus(t *testing.T) {
	_, stack, controller := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineStatus, true))
	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeStartOrResume}))
	assert.Equal(t, []byte{0x04}, lastNotification(t, stack, CharFitnessMachineStatus))
	assert.Equal(t, 1, controller.starts)

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeStopOrPause}))
	assert.Equal(t, []byte{0x02}, lastNotification(t, stack, CharFitnessMachineStatus))
	assert.Equal(t, 1, controller.stops)
}

func TestBridge_ResetReleasesControl(t *testing.T) {
	_, stack, controller := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))
	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeReset}))
	assert.Equal(t, []byte{0x80, 0x01, 0x01}, lastNotification(t, stack, CharFitnessMachineControlPoint))
	assert.Equal(t, 1, controller.resets)

	// Control has to be requested again.
	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeSetTargetPower, 0xFA, 0x00}))
	assert.Equal(t, []byte{0x80, 0x05, 0x05}, lastNotification(t, stack, CharFitnessMachineControlPoint))
}

func TestBridge_RequestControlIdempotent(t *testing.T) {
	_, stack, _ := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))
	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))
	assert.Equal(t, []byte{0x80, 0x00, 0x01}, lastNotification(t, stack, CharFitnessMachineControlPoint))
}

func TestBridge_StartAndSimulationNeedNoControl(t *testing.T) {
	_, stack, controller := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeStartOrResume}))
	assert.Equal(t, []byte{0x80, 0x07, 0x01}, lastNotification(t, stack, CharFitnessMachineControlPoint))
	assert.Equal(t, 1, controller.starts)

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeSetIndoorBikeSimulation, 0x00, 0x00, 0x2C, 0x01, 50, 39}))
	assert.Equal(t, []byte{0x80, 0x11, 0x01}, lastNotification(t, stack, CharFitnessMachineControlPoint))
	assert.Len(t, controller.sims, 1)
}

func TestBridge_UnknownOpCode(t *testing.T) {
	_, stack, _ := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))
	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))

	require.NoError(t, stack.CentralWrite([]byte{0x30}))
	assert.Equal(t, []byte{0x80, 0x30, 0x02}, lastNotification(t, stack, CharFitnessMachineControlPoint))
}

func TestBridge_EmptyWriteHasNoResponse(t *testing.T) {
	_, stack, _ := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharFitnessMachineControlPoint, true))

	require.NoError(t, stack.CentralWrite(nil))
	assert.Empty(t, stack.Notifications(CharFitnessMachineControlPoint))
}

func TestBridge_ResponseDroppedWithoutIndication(t *testing.T) {
	b, stack, _ := newTestBridge(t)

	require.NoError(t, stack.CentralWrite([]byte{FTMSOpCodeRequestControl}))
	assert.Empty(t, stack.Notifications(CharFitnessMachineControlPoint))
	// The response is still stored as the characteristic value.
	assert.Equal(t, []byte{0x80, 0x00, 0x01}, b.Value(CharFitnessMachineControlPoint))
}

func telemetrySample(rpm, power int, speed float64, hr int) kettler.Sample {
	s := kettler.Sample{
		HasCadence: true, Cadence: rpm,
		HasPower: true, Power: power,
		HasSpeed: true, Speed: speed,
	}
	if hr > 0 {
		s.HasHeartRate = true
		s.HeartRate = hr
	}
	return s
}

func TestBridge_TelemetryEncoding(t *testing.T) {
	b, stack, _ := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharIndoorBikeData, true))
	require.NoError(t, stack.CentralSubscribe(CharCyclingPowerMeasurement, true))

	clock := time.Unix(1000, 0)
	b.now = func() time.Time { return clock }

	b.OnTelemetry(telemetrySample(90, 200, 30.0, 140))

	ibd := lastNotification(t, stack, CharIndoorBikeData)
	// flags, speed 3000, cadence 180, power 200, heart rate 140, pad
	assert.Equal(t, []byte{0x44, 0x02, 0xB8, 0x0B, 0xB4, 0x00, 0xC8, 0x00, 0x8C, 0x00}, ibd)

	cpm := lastNotification(t, stack, CharCyclingPowerMeasurement)
	// flags, power 200, crank state still at zero on the first sample
	assert.Equal(t, []byte{0x20, 0x00, 0xC8, 0x00, 0x00, 0x00, 0x00, 0x00}, cpm)

	// One second later at 90 rpm: +1.5 revolutions, +1024 ticks.
	clock = clock.Add(1 * time.Second)
	b.OnTelemetry(telemetrySample(90, 200, 30.0, 140))

	cpm = lastNotification(t, stack, CharCyclingPowerMeasurement)
	assert.Equal(t, []byte{0x20, 0x00, 0xC8, 0x00, 0x01, 0x00, 0x00, 0x04}, cpm)
}

func TestBridge_TelemetryNoHeartRateStaysTenBytes(t *testing.T) {
	b, stack, _ := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharIndoorBikeData, true))

	b.OnTelemetry(telemetrySample(90, 200, 30.0, 0))

	ibd := lastNotification(t, stack, CharIndoorBikeData)
	require.Len(t, ibd, 10)
	assert.Equal(t, byte(0x00), ibd[8]) // heart rate slot stays zero
}

func TestBridge_TelemetryGatedOnSubscription(t *testing.T) {
	b, stack, _ := newTestBridge(t)

	b.OnTelemetry(telemetrySample(90, 200, 30.0, 0))

	assert.Empty(t, stack.Notifications(CharIndoorBikeData))
	assert.Empty(t, stack.Notifications(CharCyclingPowerMeasurement))
	// Values are stored for connection-time reads regardless.
	assert.NotEmpty(t, b.Value(CharIndoorBikeData))
	assert.NotEmpty(t, b.Value(CharCyclingPowerMeasurement))

	// Unsubscribing stops the stream again.
	require.NoError(t, stack.CentralSubscribe(CharIndoorBikeData, true))
	b.OnTelemetry(telemetrySample(90, 200, 30.0, 0))
	require.Len(t, stack.Notifications(CharIndoorBikeData), 1)

	require.NoError(t, stack.CentralSubscribe(CharIndoorBikeData, false))
	b.OnTelemetry(telemetrySample(90, 200, 30.0, 0))
	assert.Len(t, stack.Notifications(CharIndoorBikeData), 1)
}

func TestBridge_CrankRevolutionsWrapAround(t *testing.T) {
	b, stack, _ := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharCyclingPowerMeasurement, true))

	clock := time.Unix(1000, 0)
	b.now = func() time.Time { return clock }

	b.OnTelemetry(telemetrySample(90, 200, 30.0, 0))

	b.mu.Lock()
	b.crankRevs = 65535.5
	b.mu.Unlock()

	clock = clock.Add(1 * time.Second)
	b.OnTelemetry(telemetrySample(90, 200, 30.0, 0)) // 65537.0 revolutions

	cpm := lastNotification(t, stack, CharCyclingPowerMeasurement)
	revs := uint16(cpm[4]) | uint16(cpm[5])<<8
	assert.Equal(t, uint16(1), revs)
}

func TestBridge_MissingFieldsEncodeAsZero(t *testing.T) {
	b, stack, _ := newTestBridge(t)
	require.NoError(t, stack.CentralSubscribe(CharIndoorBikeData, true))

	b.OnTelemetry(kettler.Sample{HasPower: true, Power: 150})

	ibd := lastNotification(t, stack, CharIndoorBikeData)
	assert.Equal(t, []byte{0x44, 0x02, 0x00, 0x00, 0x00, 0x00, 0x96, 0x00, 0x00, 0x00}, ibd)
}

func TestNewBridge_NilArgsPanic(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	assert.Panics(t, func() { NewBridge(nil, &mockController{}, logger) })
	assert.Panics(t, func() { NewBridge(NewMockStack(), nil, logger) })
	assert.Panics(t, func() { NewBridge(NewMockStack(), &mockController{}, nil) })
}
