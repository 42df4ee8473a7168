/*
File Name:  Shortcut Sampler_test.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner
*/

package core

import (
	"math/big"
	"testing"
)

func TestSampleShortcutProducesValidAddresses(t *testing.T) {
	local, err := NewRandomAddress()
	if err != nil {
		t.Fatalf("NewRandomAddress: %v", err)
	}

	for i := 0; i < 100; i++ {
		target := SampleShortcut(local, 1<<20)
		if target.val.Bit(0) != 0 {
			t.Fatalf("sampled address has low bit set: %v", target)
		}
		if target.val.Sign() < 0 || target.val.Cmp(full) >= 0 {
			t.Fatalf("sampled address out of ring range: %v", target)
		}
	}
}

// TestSampleShortcutHarmonicDistribution checks the 1/d signature of the
// sampler: the base-2 exponent of the sampled ring distance should be close
// to uniform over [AddressBits - log2 N, AddressBits). Bins near the top of
// the range are skipped because offsets beyond FULL/2 fold back across the
// ring and smear their mass over the lower bins.
func TestSampleShortcutHarmonicDistribution(t *testing.T) {
	local, err := NewRandomAddress()
	if err != nil {
		t.Fatalf("NewRandomAddress: %v", err)
	}

	const networkSize = 1 << 20 // exponent range [140, 160)
	const samples = 20000

	counts := make(map[int]int)
	for i := 0; i < samples; i++ {
		target := SampleShortcut(local, networkSize)
		d := local.AbsDistanceTo(target)
		if d.Sign() == 0 {
			continue
		}
		counts[d.BitLen()-1]++
	}

	// 20 exponent bins at 5% each; allow generous slack for the fold-back
	// contamination and sampling noise.
	for exp := 141; exp <= 157; exp++ {
		frac := float64(counts[exp]) / float64(samples)
		if frac < 0.02 || frac > 0.09 {
			t.Fatalf("exponent bin %d has fraction %.4f, expected ~0.05", exp, frac)
		}
	}
}

func TestSampleShortcutClampsTinyNetwork(t *testing.T) {
	local := addrN(0)
	for i := 0; i < 20; i++ {
		target := SampleShortcut(local, 0)
		if target.Equal(local) {
			t.Fatalf("shortcut target should not collapse onto the local address")
		}
	}
}

func TestDistanceFromExponentTruncation(t *testing.T) {
	if d := distanceFromExponent(3, 0); d.Cmp(big.NewInt(8)) != 0 {
		t.Fatalf("2^3 should be 8, got %v", d)
	}
	if d := distanceFromExponent(0, 0); d.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("2^0 should be 1, got %v", d)
	}
	// 2^4 * 2^0.5 = 22.62...; truncation toward zero gives 22.
	if d := distanceFromExponent(4, 0.5); d.Cmp(big.NewInt(22)) != 0 {
		t.Fatalf("expected truncated 22, got %v", d)
	}
	// Negative exponents clamp to 2^0.
	if d := distanceFromExponent(-5, 0); d.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("negative exponent should clamp to 1, got %v", d)
	}
}
