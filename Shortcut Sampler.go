/*
File Name:  Shortcut Sampler.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

Samples long-range shortcut targets from the 1/d harmonic distribution
that gives a Symphony/Kleinberg ring its small-world routing behavior.

The fractional power-of-two factor is rounded by truncation toward zero:
ex is split into an integer exponent and a fractional remainder, the
remainder's 2^frac factor is computed in float64 and then truncated when
converted into the final big.Int distance.
*/

package core

import (
	"math"
	"math/big"
	"math/rand"
)

// SampleShortcut draws a single shortcut target address for local, given an
// estimate networkSize of the number of live nodes (as returned by
// EstimateNetworkSize). The result follows a 1/d density over ring
// distance d.
func SampleShortcut(local Address, networkSize int64) Address {
	if networkSize < 2 {
		networkSize = 2
	}

	p := rand.Float64()
	logN := math.Log2(float64(networkSize))
	ex := float64(AddressBits) - (1-p)*logN

	exInt := int64(math.Trunc(ex))
	exFrac := ex - float64(exInt)

	d := distanceFromExponent(exInt, exFrac)

	if rand.Intn(2) == 0 {
		return local.Add(d)
	}
	return local.Sub(d)
}

// distanceFromExponent builds 2^exInt * 2^exFrac as a big.Int, truncating
// the fractional factor toward zero. exInt may be negative (clamped to 0,
// since a sub-unit shift has no meaningful effect at this granularity) or
// exceed AddressBits (clamped to AddressBits-1, the largest representable
// ring offset).
func distanceFromExponent(exInt int64, exFrac float64) *big.Int {
	if exInt < 0 {
		exInt = 0
	}
	if exInt >= AddressBits {
		exInt = AddressBits - 1
	}

	fracFactor := math.Pow(2, exFrac)

	base := new(big.Int).Lsh(big.NewInt(1), uint(exInt))

	// Multiply the integer power-of-two by the fractional factor, truncating
	// toward zero: scale by a fixed-point integer, then divide back down.
	const fracPrecisionBits = 32
	scaled := int64(math.Trunc(fracFactor * float64(int64(1)<<fracPrecisionBits)))
	scaledBig := big.NewInt(scaled)

	result := new(big.Int).Mul(base, scaledBig)
	result.Rsh(result, fracPrecisionBits)

	if result.Sign() == 0 {
		result.SetInt64(1)
	}
	return result
}
