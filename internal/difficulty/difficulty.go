// Package difficulty implements target/difficulty conversion for job
// rewriting, plus an adaptive local retargeting scheme supplementing
// it (vardiff.go).
package difficulty

import (
	"encoding/hex"
	"math/big"
)

// maxTarget is 2^256, the numerator of the difficulty-to-target
// conversion used throughout this package.
var maxTarget = new(big.Int).Lsh(big.NewInt(1), 256)

// targetBytes is the width of an encoded target. 2^256 itself needs 33
// bytes, so the largest encodable target is 2^256-1; every target is
// padded to this width.
const targetBytes = 32

// TargetForDifficulty returns the low-endian hex encoding of
// floor(2^256 / diff), the pool convention this proxy forwards job
// targets in (§4.2's difficulty override, §8 scenario 2). diff <= 0 is
// treated as the loosest possible target (all-0xff bytes); diff 1,
// whose quotient 2^256 does not fit the width, is capped to it too.
func TargetForDifficulty(diff int64) string {
	if diff <= 0 {
		return encodeLowEndian(new(big.Int).Sub(maxTarget, big.NewInt(1)))
	}
	target := new(big.Int).Div(maxTarget, big.NewInt(diff))
	if target.Cmp(maxTarget) >= 0 {
		target.Sub(maxTarget, big.NewInt(1))
	}
	return encodeLowEndian(target)
}

// encodeLowEndian renders n as a fixed-width, low-endian (byte-order
// reversed) hex string, matching the pool's on-wire target convention.
func encodeLowEndian(n *big.Int) string {
	be := n.Bytes()
	buf := make([]byte, targetBytes)
	// big.Int.Bytes is big-endian and unpadded; right-align it in buf
	// before reversing so short values still occupy the full width.
	copy(buf[targetBytes-len(be):], be)
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return hex.EncodeToString(buf)
}

// DifficultyForTarget is the inverse of TargetForDifficulty: it
// recovers the numeric difficulty implied by a target string.
func DifficultyForTarget(target string) (int64, error) {
	raw, err := hex.DecodeString(target)
	if err != nil {
		return 0, err
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	t := new(big.Int).SetBytes(raw)
	if t.Sign() == 0 {
		return 0, nil
	}
	diff := new(big.Int).Div(maxTarget, t)
	if !diff.IsInt64() {
		return 0, nil
	}
	return diff.Int64(), nil
}
