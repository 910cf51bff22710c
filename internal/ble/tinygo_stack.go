package ble

import (
	"fmt"
	"log"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinygoStack is the production Stack over a BlueZ adapter.
//
// The HCI peripheral API does not surface per-CCCD subscribe events, so
// subscription state is approximated from the connection: a connected central
// is treated as subscribed to every notifying characteristic, a disconnect
// clears them all.
type TinygoStack struct {
	logger  *log.Logger
	adapter *bluetooth.Adapter

	deviceName string

	mu    sync.Mutex
	chars map[CharacteristicID]*bluetooth.Characteristic
}

// NewTinygoStack creates a stack over adapter, usually
// bluetooth.DefaultAdapter.
func NewTinygoStack(adapter *bluetooth.Adapter, logger *log.Logger) *TinygoStack {
	if adapter == nil {
		panic("TinygoStack: adapter cannot be nil")
	}
	if logger == nil {
		panic("TinygoStack: logger cannot be nil")
	}
	return &TinygoStack{
		logger:  logger,
		adapter: adapter,
		chars:   make(map[CharacteristicID]*bluetooth.Characteristic),
	}
}

// Setup enables the adapter and registers the FTMS and Cycling Power services.
func (s *TinygoStack) Setup(deviceName string, onControlWrite func(data []byte), onSubscribe func(id CharacteristicID, subscribed bool)) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}
	s.deviceName = deviceName

	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			s.logger.Printf("TinygoStack: central %s connected", device.Address)
		} else {
			s.logger.Printf("TinygoStack: central %s disconnected", device.Address)
		}
		for _, id := range []CharacteristicID{
			CharIndoorBikeData,
			CharFitnessMachineStatus,
			CharFitnessMachineControlPoint,
			CharCyclingPowerMeasurement,
		} {
			onSubscribe(id, connected)
		}
	})

	var indoorBikeData, machineStatus, controlPoint, powerMeasurement bluetooth.Characteristic

	err := s.adapter.AddService(&bluetooth.Service{
		UUID: uuidFitnessMachineService,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  uuidFitnessMachineFeature,
				Flags: bluetooth.CharacteristicReadPermission,
				Value: ftmsFeatureValue,
			},
			{
				Handle: &indoorBikeData,
				UUID:   uuidIndoorBikeData,
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
				Value:  make([]byte, indoorBikeDataLength),
			},
			{
				Handle: &machineStatus,
				UUID:   uuidFitnessMachineStatus,
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
				Value:  []byte{machineStatusStarted},
			},
			{
				Handle: &controlPoint,
				UUID:   uuidFitnessMachineControlPoint,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicIndicatePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					onControlWrite(value)
				},
			},
			{
				UUID:  uuidSupportedPowerRange,
				Flags: bluetooth.CharacteristicReadPermission,
				Value: supportedPowerRangeValue,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to add fitness machine service: %w", err)
	}

	err = s.adapter.AddService(&bluetooth.Service{
		UUID: uuidCyclingPowerService,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &powerMeasurement,
				UUID:   uuidCyclingPowerMeasurement,
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
				Value:  make([]byte, 8),
			},
			{
				UUID:  uuidCyclingPowerFeature,
				Flags: bluetooth.CharacteristicReadPermission,
				Value: cyclingPowerFeatureValue,
			},
			{
				UUID:  uuidSensorLocation,
				Flags: bluetooth.CharacteristicReadPermission,
				Value: sensorLocationValue,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to add cycling power service: %w", err)
	}

	s.mu.Lock()
	s.chars[CharIndoorBikeData] = &indoorBikeData
	s.chars[CharFitnessMachineStatus] = &machineStatus
	s.chars[CharFitnessMachineControlPoint] = &controlPoint
	s.chars[CharCyclingPowerMeasurement] = &powerMeasurement
	s.mu.Unlock()

	s.logger.Printf("TinygoStack: GATT table registered")
	return nil
}

// Notify writes data to the characteristic, which pushes it to subscribers.
func (s *TinygoStack) Notify(id CharacteristicID, data []byte) error {
	s.mu.Lock()
	char, ok := s.chars[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("characteristic %s not registered", id)
	}
	if _, err := char.Write(data); err != nil {
		return fmt.Errorf("failed to notify %s: %w", id, err)
	}
	return nil
}

// Advertise starts advertising both service UUIDs under the device name.
func (s *TinygoStack) Advertise() error {
	adv := s.adapter.DefaultAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    s.deviceName,
		ServiceUUIDs: []bluetooth.UUID{uuidFitnessMachineService, uuidCyclingPowerService},
	})
	if err != nil {
		return fmt.Errorf("failed to configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}
	s.logger.Printf("TinygoStack: advertising as %q", s.deviceName)
	return nil
}
