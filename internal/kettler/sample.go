package kettler

// Sample is one telemetry snapshot parsed from a status telegram. Every field
// is independently optional: its Has flag reports whether the telegram carried
// a parseable value, so an absent field is distinguishable from a zero.
type Sample struct {
	HasHeartRate bool
	HeartRate    int // bpm

	HasCadence bool
	Cadence    int // rpm

	HasSpeed bool
	Speed    float64 // km/h

	HasTargetPower bool
	TargetPower    int // watts, as reported by the bike head unit

	HasPower bool
	Power    int // watts currently on the brake
}

// Empty reports whether no field of the sample parsed.
func (s Sample) Empty() bool {
	return !s.HasHeartRate && !s.HasCadence && !s.HasSpeed && !s.HasTargetPower && !s.HasPower
}
