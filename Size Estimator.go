/*
File Name:  Size Estimator.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

Estimates live network size from the density of Near connections around
the local Address: the tighter the neighbor span, the larger the ring.
*/

package core

import (
	"math"
	"math/big"
)

// EstimateNetworkSize returns an estimate of the number of live nodes in
// the overlay, derived from the span of Near connections around local.
// Distances are measured as one-way ring offsets from local, so the span
// between the nearest and farthest neighbor covers the arc the count was
// taken over; folding both directions into absolute distances would halve
// the arc and double the estimate.
func EstimateNetworkSize(local Address, table *ConnectionTable) int64 {
	near := table.GetConnections(Near)
	count := int64(len(near))

	if count < 2 {
		return count + 1
	}

	var least, greatest *big.Int
	for _, c := range near {
		d := new(big.Int).Sub(c.Address.BigInt(), local.BigInt())
		d.Mod(d, full)
		if least == nil || d.Cmp(least) < 0 {
			least = d
		}
		if greatest == nil || d.Cmp(greatest) > 0 {
			greatest = d
		}
	}

	if greatest.Cmp(least) <= 0 {
		return count + 1
	}

	width := new(big.Int).Sub(greatest, least)
	invDensity := new(big.Int).Div(width, big.NewInt(count))
	if invDensity.Sign() == 0 {
		return count + 1
	}

	estimate := new(big.Int).Div(FULL(), invDensity)

	if !estimate.IsInt64() {
		return math.MaxInt64
	}
	if estimate.Int64() > count+1 {
		return estimate.Int64()
	}
	return count + 1
}
