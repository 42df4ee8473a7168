/*
File Name:  Address.go
Copyright:  2021 Peernet s.r.o.
Author:     Peter Kleissner

160-bit ring identifier used by the overlay. Addresses are placed on a
modular ring of size FULL = 2^160; the signed distance between two
addresses is the value in (-FULL/2, FULL/2] that, added to the first,
yields the second modulo FULL. The low-order bit of every valid Address
is always 0 - this is enforced here, at the only place Addresses are
constructed, so downstream code may assume it.
*/

package core

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"

	"github.com/pkg/errors"
	"lukechampine.com/blake3"
)

// AddressBits is the width of the ring identifier space.
const AddressBits = 160

// AddressBytes is AddressBits expressed in bytes.
const AddressBytes = AddressBits / 8

// full is FULL = 2^160, the modulus of the ring.
var full = new(big.Int).Lsh(big.NewInt(1), AddressBits)

// FULL returns the address-space constant 2^160 as a fresh big.Int the
// caller may mutate freely.
func FULL() *big.Int {
	return new(big.Int).Set(full)
}

// one is reused to clear the low-order bit of a computed value.
var one = big.NewInt(1)

// Address is a 160-bit unsigned ring identifier with its low bit cleared.
type Address struct {
	val *big.Int
}

// normalize reduces v modulo FULL into [0, FULL) and clears its low bit.
func normalize(v *big.Int) *big.Int {
	m := new(big.Int).Mod(v, full)
	if m.Sign() < 0 {
		m.Add(m, full)
	}
	if m.Bit(0) == 1 {
		m.Sub(m, one)
	}
	return m
}

// AddressFromBigInt constructs a valid Address from an arbitrary big.Int,
// reducing it modulo FULL and clearing its low bit.
func AddressFromBigInt(v *big.Int) Address {
	return Address{val: normalize(v)}
}

// AddressFromBytes constructs an Address from a big-endian byte slice of
// up to AddressBytes length.
func AddressFromBytes(b []byte) Address {
	return AddressFromBigInt(new(big.Int).SetBytes(b))
}

// AddressFromHex parses a hex-encoded big-endian Address.
func AddressFromHex(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, errors.Wrap(err, "decoding address hex")
	}
	return AddressFromBytes(b), nil
}

// NewRandomAddress generates a cryptographically random valid Address.
// Address generation uses the crypto RNG; edge-id allocation
// (Edge Listener.go) uses the faster non-crypto one.
func NewRandomAddress() (Address, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return Address{}, errors.Wrap(err, "reading random seed")
	}
	return HashToAddress(seed), nil
}

// HashToAddress folds arbitrary key material down to a valid Address via
// blake3.
func HashToAddress(data []byte) Address {
	sum := blake3.Sum256(data)
	return AddressFromBytes(sum[:AddressBytes])
}

// Bytes returns the big-endian AddressBytes-length representation.
func (a Address) Bytes() []byte {
	b := a.val.Bytes()
	if len(b) == AddressBytes {
		return b
	}
	out := make([]byte, AddressBytes)
	copy(out[AddressBytes-len(b):], b)
	return out
}

// String returns the hex form of the Address.
func (a Address) String() string {
	return hex.EncodeToString(a.Bytes())
}

// BigInt returns a copy of the underlying value the caller may mutate.
func (a Address) BigInt() *big.Int {
	return new(big.Int).Set(a.val)
}

// Equal reports structural equality.
func (a Address) Equal(b Address) bool {
	return a.val.Cmp(b.val) == 0
}

// Cmp provides ring-order comparison used for sorting within the
// Connection Table; it is NOT a distance comparison.
func (a Address) Cmp(b Address) int {
	return a.val.Cmp(b.val)
}

// Add returns a ± delta (mod FULL), coerced back to a valid Address.
func (a Address) Add(delta *big.Int) Address {
	return AddressFromBigInt(new(big.Int).Add(a.val, delta))
}

// Sub returns a - delta (mod FULL), coerced back to a valid Address.
func (a Address) Sub(delta *big.Int) Address {
	return AddressFromBigInt(new(big.Int).Sub(a.val, delta))
}

// DistanceTo returns the signed ring distance from a to b: the value in
// (-FULL/2, FULL/2] such that a + DistanceTo(b) == b (mod FULL). Ties
// (the exact antipode) resolve toward the positive direction.
func (a Address) DistanceTo(b Address) *big.Int {
	diff := new(big.Int).Sub(b.val, a.val)
	diff.Mod(diff, full)
	if diff.Sign() < 0 {
		diff.Add(diff, full)
	}

	half := new(big.Int).Rsh(full, 1)
	if diff.Cmp(half) > 0 {
		diff.Sub(diff, full)
	}
	return diff
}

// AbsDistanceTo returns the unsigned magnitude of DistanceTo.
func (a Address) AbsDistanceTo(b Address) *big.Int {
	d := a.DistanceTo(b)
	return new(big.Int).Abs(d)
}

// IsLeftOf reports whether a lies to the left of b on the ring, i.e.
// DistanceTo(a, b) > 0. It is defined consistently with DistanceTo's sign.
func (a Address) IsLeftOf(b Address) bool {
	return a.DistanceTo(b).Sign() > 0
}
