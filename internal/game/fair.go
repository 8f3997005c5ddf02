package game

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
)

const (
	MIN_CRASH_MULTIPLIER = 1.01
	MAX_CRASH_MULTIPLIER = 120.00
	DEFAULT_CRASH_RATE   = 0.04
)

// CrashDerivation holds every intermediate step of a crash point
// calculation so the round can be audited after the seed is revealed.
type CrashDerivation struct {
	CrashPoint float64 `json:"crash_point"`
	Seed       string  `json:"seed"`
	RoundID    int64   `json:"round_id"`
	Hash       string  `json:"hash"`
	HexValue   string  `json:"hex_value"`
	IntValue   uint64  `json:"int_value"`
	Normalized float64 `json:"normalized"`
	Degraded   bool    `json:"degraded,omitempty"`
}

// GenerateSeed creates a cryptographically secure random seed
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// HashCommitment creates a SHA256 hash of the seed for commitment
func HashCommitment(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// DeriveCrashPoint deterministically maps (seed, roundID) to a crash
// multiplier: SHA256(seed:roundID), first 8 hex chars as uint32,
// normalized to [0,1), then the inverse CDF of an exponential
// distribution with the given rate, clamped to [1.01, 120].
//
// It never fails for well-formed inputs; if anything goes wrong
// internally the result falls back to 2.00x with Degraded set so
// callers can alert instead of serving an unfair round silently.
func DeriveCrashPoint(seed string, roundID int64, rate float64) CrashDerivation {
	input := fmt.Sprintf("%s:%d", seed, roundID)
	sum := sha256.Sum256([]byte(input))
	hashHex := hex.EncodeToString(sum[:])

	d := CrashDerivation{
		Seed:     seed,
		RoundID:  roundID,
		Hash:     hashHex,
		HexValue: hashHex[:8],
	}

	if rate <= 0 {
		rate = DEFAULT_CRASH_RATE
	}

	intValue, err := strconv.ParseUint(d.HexValue, 16, 64)
	if err != nil {
		d.CrashPoint = 2.00
		d.Degraded = true
		return d
	}
	d.IntValue = intValue
	d.Normalized = float64(intValue) / float64(0xFFFFFFFF)

	raw := 1 + (-math.Log(1-d.Normalized) / rate)
	if math.IsNaN(raw) {
		d.CrashPoint = 2.00
		d.Degraded = true
		return d
	}

	if raw < MIN_CRASH_MULTIPLIER {
		raw = MIN_CRASH_MULTIPLIER
	}
	if raw > MAX_CRASH_MULTIPLIER {
		raw = MAX_CRASH_MULTIPLIER
	}

	d.CrashPoint = math.Round(raw*100) / 100
	return d
}

// VerifyCrashPoint recomputes the derivation and accepts the claim if
// the difference is under 0.01.
func VerifyCrashPoint(seed string, roundID int64, rate, claimedCrashPoint float64) bool {
	d := DeriveCrashPoint(seed, roundID, rate)
	diff := d.CrashPoint - claimedCrashPoint
	if diff < 0 {
		diff = -diff
	}
	return diff < 0.01
}

// FairnessProof is the audit bundle published once a round settles.
type FairnessProof struct {
	Seed       string   `json:"seed"`
	Hash       string   `json:"hash"`
	RoundID    int64    `json:"round_id"`
	CrashPoint float64  `json:"crash_point"`
	Steps      []string `json:"steps"`
	IsValid    bool     `json:"is_valid"`
}

// GenerateFairnessProof builds the proof for a settled round, including
// the derivation steps any external verifier can replay.
func GenerateFairnessProof(seed string, roundID int64, rate, crashPoint float64) FairnessProof {
	d := DeriveCrashPoint(seed, roundID, rate)
	valid := VerifyCrashPoint(seed, roundID, rate, crashPoint)

	return FairnessProof{
		Seed:       seed,
		Hash:       HashCommitment(seed),
		RoundID:    roundID,
		CrashPoint: crashPoint,
		Steps: []string{
			fmt.Sprintf("1. Hash input %q with SHA-256", fmt.Sprintf("%s:%d", seed, roundID)),
			fmt.Sprintf("2. Take first 8 hex chars: %s", d.HexValue),
			fmt.Sprintf("3. Convert to integer: %d", d.IntValue),
			fmt.Sprintf("4. Normalize to 0-1: %.8f", d.Normalized),
			fmt.Sprintf("5. Apply exponential distribution (rate %.2f)", rate),
			fmt.Sprintf("6. Result: %.2fx", d.CrashPoint),
		},
		IsValid: valid,
	}
}
