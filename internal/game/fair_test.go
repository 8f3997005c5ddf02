package game

import (
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestDeriveCrashPointGoldenValues(t *testing.T) {
	tests := []struct {
		name     string
		seed     string
		roundID  int64
		hexValue string
		intValue uint64
		want     float64
	}{
		{
			name:     "seed a1b2 round 7",
			seed:     "a1b2c3d4e5f6a7b8",
			roundID:  7,
			hexValue: "37895642",
			intValue: 931747394,
			want:     7.11,
		},
		{
			name:     "seed 0123 round 42",
			seed:     "0123456789abcdef",
			roundID:  42,
			hexValue: "6ab17615",
			intValue: 1790014997,
			want:     14.48,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DeriveCrashPoint(tt.seed, tt.roundID, DEFAULT_CRASH_RATE)
			if d.Degraded {
				t.Fatal("derivation unexpectedly degraded")
			}
			if d.HexValue != tt.hexValue {
				t.Errorf("hex value = %s; want %s", d.HexValue, tt.hexValue)
			}
			if d.IntValue != tt.intValue {
				t.Errorf("int value = %d; want %d", d.IntValue, tt.intValue)
			}
			if d.CrashPoint != tt.want {
				t.Errorf("crash point = %.2f; want %.2f", d.CrashPoint, tt.want)
			}
		})
	}
}

func TestDeriveCrashPointDeterministic(t *testing.T) {
	seed := GenerateSeed()
	first := DeriveCrashPoint(seed, 99, DEFAULT_CRASH_RATE)

	for i := 0; i < 10; i++ {
		again := DeriveCrashPoint(seed, 99, DEFAULT_CRASH_RATE)
		if again.CrashPoint != first.CrashPoint {
			t.Fatalf("derivation not deterministic: %.2f != %.2f", again.CrashPoint, first.CrashPoint)
		}
	}

	other := DeriveCrashPoint(seed, 100, DEFAULT_CRASH_RATE)
	if other.Hash == first.Hash {
		t.Error("different round IDs produced the same hash")
	}
}

func TestDeriveCrashPointRange(t *testing.T) {
	for i := 0; i < 2000; i++ {
		seed := fmt.Sprintf("seed-%d", i)
		d := DeriveCrashPoint(seed, int64(i+1), DEFAULT_CRASH_RATE)

		if d.CrashPoint < MIN_CRASH_MULTIPLIER || d.CrashPoint > MAX_CRASH_MULTIPLIER {
			t.Fatalf("crash point %.2f out of range for seed %s", d.CrashPoint, seed)
		}
		if got := math.Round(d.CrashPoint*100) / 100; got != d.CrashPoint {
			t.Fatalf("crash point %.10f not rounded to two decimals", d.CrashPoint)
		}
	}
}

// TestDeriveCrashPointDistribution checks the observed bucket counts
// over 2000 deterministic seeds against the exponential distribution
// with rate 0.04 using a chi-squared statistic.
func TestDeriveCrashPointDistribution(t *testing.T) {
	var buckets [4]int
	const n = 2000

	for i := 0; i < n; i++ {
		d := DeriveCrashPoint(fmt.Sprintf("seed-%d", i), int64(i+1), DEFAULT_CRASH_RATE)
		switch {
		case d.CrashPoint < 2:
			buckets[0]++
		case d.CrashPoint < 5:
			buckets[1]++
		case d.CrashPoint < 10:
			buckets[2]++
		default:
			buckets[3]++
		}
	}

	cdf := func(x float64) float64 { return 1 - math.Exp(-DEFAULT_CRASH_RATE*(x-1)) }
	expected := [4]float64{cdf(2), cdf(5) - cdf(2), cdf(10) - cdf(5), 1 - cdf(10)}

	var chi2 float64
	for k := 0; k < 4; k++ {
		e := n * expected[k]
		chi2 += (float64(buckets[k]) - e) * (float64(buckets[k]) - e) / e
	}

	// 3 degrees of freedom; 20 is far past the 0.001 critical value.
	if chi2 > 20 {
		t.Errorf("chi-squared = %.2f; buckets %v do not fit the exponential curve", chi2, buckets)
	}
}

func TestVerifyCrashPoint(t *testing.T) {
	seed := "a1b2c3d4e5f6a7b8"

	if !VerifyCrashPoint(seed, 7, DEFAULT_CRASH_RATE, 7.11) {
		t.Error("valid crash point rejected")
	}
	if VerifyCrashPoint(seed, 7, DEFAULT_CRASH_RATE, 8.11) {
		t.Error("tampered crash point accepted")
	}
	if VerifyCrashPoint(seed, 8, DEFAULT_CRASH_RATE, 7.11) {
		t.Error("crash point accepted for the wrong round")
	}
}

func TestHashCommitmentMatchesSeed(t *testing.T) {
	seed := GenerateSeed()
	if len(seed) != 64 {
		t.Fatalf("seed length = %d; want 64 hex chars", len(seed))
	}

	hash := HashCommitment(seed)
	if len(hash) != 64 {
		t.Fatalf("commitment length = %d; want 64 hex chars", len(hash))
	}
	if hash != HashCommitment(seed) {
		t.Error("commitment not deterministic")
	}
	if hash == HashCommitment(seed+"x") {
		t.Error("different seeds produced the same commitment")
	}
}

func TestGenerateSeedUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seed := GenerateSeed()
		if seen[seed] {
			t.Fatal("duplicate seed generated")
		}
		seen[seed] = true
	}
}

func TestGenerateFairnessProof(t *testing.T) {
	d := DeriveCrashPoint("0123456789abcdef", 42, DEFAULT_CRASH_RATE)
	proof := GenerateFairnessProof("0123456789abcdef", 42, DEFAULT_CRASH_RATE, d.CrashPoint)

	if !proof.IsValid {
		t.Error("proof for honest crash point reported invalid")
	}
	if proof.Hash != HashCommitment("0123456789abcdef") {
		t.Error("proof commitment does not match the seed")
	}
	if len(proof.Steps) != 6 {
		t.Fatalf("proof has %d steps; want 6", len(proof.Steps))
	}
	if !strings.Contains(proof.Steps[1], d.HexValue) {
		t.Errorf("step 2 %q does not mention hex value %s", proof.Steps[1], d.HexValue)
	}

	forged := GenerateFairnessProof("0123456789abcdef", 42, DEFAULT_CRASH_RATE, d.CrashPoint+5)
	if forged.IsValid {
		t.Error("proof for forged crash point reported valid")
	}
}
