// SPDX-License-Identifier: MIT
//
// Thinner is a live transform that silences every other frequency bin,
// leaving a hollow, comb-filtered version of the input.
//
// Build it into the running engine by pointing --live at this file, or by
// hand:
//
//	go build -buildmode=plugin -o thinner.so ./transforms/thinner
package main

import "livepv/pkg/spectral"

// Transform zeroes the odd bins.
func Transform(bins []spectral.Bin, _ spectral.Params) []spectral.Bin {
	for k := 1; k < len(bins); k += 2 {
		bins[k].Mag = 0
	}
	return bins
}

func main() {}
