package kettler

import (
	"strconv"
	"strings"
)

// Field positions inside an 8-field status telegram.
const (
	fieldHeartRate   = 0
	fieldCadence     = 1
	fieldSpeed       = 2
	fieldTargetPower = 4
	fieldPower       = 7

	statusFieldCount = 8
	keyFieldCount    = 4
	keyField         = 3
)

// ParseTelegram parses one tab-separated telegram line.
//
// An 8-field line is a status telegram; every field that parses as a number
// is filled into the Sample, every field that does not is simply absent.
// A 4-field line is a keypress telegram and yields the key code.
// Any other field count is not a telegram this driver understands.
func ParseTelegram(line string) (sample Sample, key int, isKey bool, ok bool) {
	fields := strings.Split(line, "\t")

	switch len(fields) {
	case statusFieldCount:
		if v, err := strconv.Atoi(strings.TrimSpace(fields[fieldHeartRate])); err == nil {
			sample.HasHeartRate = true
			sample.HeartRate = v
		}
		if v, err := strconv.Atoi(strings.TrimSpace(fields[fieldCadence])); err == nil {
			sample.HasCadence = true
			sample.Cadence = v
		}
		// Speed is reported in tenths of km/h.
		if v, err := strconv.Atoi(strings.TrimSpace(fields[fieldSpeed])); err == nil {
			sample.HasSpeed = true
			sample.Speed = float64(v) / 10.0
		}
		if v, err := strconv.Atoi(strings.TrimSpace(fields[fieldTargetPower])); err == nil {
			sample.HasTargetPower = true
			sample.TargetPower = v
		}
		if v, err := strconv.Atoi(strings.TrimSpace(fields[fieldPower])); err == nil {
			sample.HasPower = true
			sample.Power = v
		}
		return sample, 0, false, !sample.Empty()

	case keyFieldCount:
		v, err := strconv.Atoi(strings.TrimSpace(fields[keyField]))
		if err != nil {
			return Sample{}, 0, false, false
		}
		return Sample{}, v, true, true

	default:
		return Sample{}, 0, false, false
	}
}
