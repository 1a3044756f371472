// SPDX-License-Identifier: MIT
package main

import (
	"testing"

	"livepv/pkg/spectral"
)

func TestTransformZeroesOddBins(t *testing.T) {
	bins := make([]spectral.Bin, 9)
	for k := range bins {
		bins[k] = spectral.Bin{Mag: 1, Phase: float64(k)}
	}
	out := Transform(bins, spectral.Params{})
	if len(out) != len(bins) {
		t.Fatalf("len = %d, want %d", len(out), len(bins))
	}
	for k, b := range out {
		want := 1.0
		if k%2 == 1 {
			want = 0
		}
		if b.Mag != want || b.Phase != float64(k) {
			t.Errorf("bin %d = %+v, want mag %g", k, b, want)
		}
	}
}

var _ spectral.TransformFunc = Transform
