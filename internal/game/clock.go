package game

import (
	"math"
	"time"
)

const DEFAULT_GROWTH_FACTOR = 0.04

// Multiplier computes the live multiplier for a given elapsed time:
// max(1.00, e^(seconds * growth)) rounded to 2 decimal places.
func Multiplier(elapsed time.Duration, growth float64) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	if growth <= 0 {
		growth = DEFAULT_GROWTH_FACTOR
	}
	m := math.Exp(elapsed.Seconds() * growth)
	m = math.Round(m*100) / 100
	if m < 1.00 {
		return 1.00
	}
	return m
}

// TimeToReach inverts Multiplier: how long until the multiplier hits
// the given crash point. Both directions must use the same growth
// factor so the scheduled crash and the live value agree.
func TimeToReach(crashPoint, growth float64) time.Duration {
	if crashPoint <= 1.00 {
		return 0
	}
	if growth <= 0 {
		growth = DEFAULT_GROWTH_FACTOR
	}
	seconds := math.Log(crashPoint) / growth
	return time.Duration(seconds * float64(time.Second))
}
