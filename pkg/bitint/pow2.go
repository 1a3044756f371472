// SPDX-License-Identifier: MIT
/*
Package bitint provides the power-of-two helpers used to size FFT frames
and ring buffers. Everything here is constant time and allocation free, so
it may be called from the audio callback.

Usage:

	// Round a ring capacity up so indices can be masked
	capacity := bitint.NextPowerOfTwo(44100) // 65536

	// Reject FFT sizes the transform cannot handle
	ok := bitint.IsPowerOfTwo(fftSize)

NextPowerOfTwo subtracts one before taking the bit length so that exact
powers of two map to themselves:

	size = 8      size-1 = 0b0111   bits.Len = 3   1<<3 = 8
	size = 9      size-1 = 0b1000   bits.Len = 4   1<<4 = 16
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of two >= size. Sizes <= 0
// return 1.
//
//	Input  Output
//	4      4
//	5      8
//	0      1
//	-1     1
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of two. A power of two
// has one bit set, so clearing the lowest set bit leaves zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
