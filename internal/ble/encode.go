package ble

import (
	"github.com/lowaak/kettler-bridge/internal/kettler"
)

// indoorBikeDataLength is fixed: the flags word 0x0244 always advertises the
// heart rate field, so the byte at index 8 stays zero when no pulse is
// measured, followed by one pad byte.
const indoorBikeDataLength = 10

// encodeIndoorBikeData builds the FTMS Indoor Bike Data characteristic value:
// flags 0x0244 (instantaneous cadence, instantaneous power, heart rate),
// speed UINT16 0.01 km/h, cadence UINT16 0.5 rpm, power SINT16 watts, heart
// rate UINT8. Absent sample fields encode as zero.
func encodeIndoorBikeData(sample kettler.Sample) []byte {
	speed := uint16(0)
	if sample.HasSpeed {
		speed = uint16(sample.Speed * 100)
	}
	cadence := uint16(0)
	if sample.HasCadence {
		cadence = uint16(sample.Cadence * 2)
	}
	power := int16(0)
	if sample.HasPower {
		power = int16(sample.Power)
	}

	data := make([]byte, indoorBikeDataLength)
	data[0] = 0x44
	data[1] = 0x02
	data[2] = byte(speed & 0xFF)
	data[3] = byte(speed >> 8)
	data[4] = byte(cadence & 0xFF)
	data[5] = byte(cadence >> 8)
	data[6] = byte(power & 0xFF)
	data[7] = byte(uint16(power) >> 8)
	if sample.HasHeartRate && sample.HeartRate > 0 {
		data[8] = byte(sample.HeartRate)
	}
	return data
}

// encodeCyclingPowerMeasurement builds the Cycling Power Measurement value:
// flags 0x0020 (crank revolution data), power SINT16 watts, cumulative crank
// revolutions UINT16 and last crank event time UINT16 in 1/1024 s.
func encodeCyclingPowerMeasurement(power int, crankRevs, crankTicks uint16) []byte {
	p := int16(power)
	return []byte{
		0x20, 0x00,
		byte(p & 0xFF), byte(uint16(p) >> 8),
		byte(crankRevs & 0xFF), byte(crankRevs >> 8),
		byte(crankTicks & 0xFF), byte(crankTicks >> 8),
	}
}

func decodeInt16LE(lo, hi byte) int16 {
	return int16(uint16(lo) | uint16(hi)<<8)
}
