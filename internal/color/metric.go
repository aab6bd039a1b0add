// Package color implements the accuracy metric every client computes locally
// before submitting a score. The pipeline is fixed: HSL → 8-bit sRGB → linear
// light → XYZ (D65) → Lab, Euclidean distance normalised by 177.
//
// Do not swap in CIEDE2000 or any other formula: scores submitted by different
// clients must stay comparable.
package color

import "math"

// MaxLabDistance is the empirical maximum Lab distance used for normalisation.
const MaxLabDistance = 177.0

// D65 reference white.
const (
	whiteX = 0.95047
	whiteY = 1.00000
	whiteZ = 1.08883
)

// Lab is a point in CIE L*a*b*.
type Lab struct {
	L, A, B float64
}

// ToLab converts an 8-bit sRGB triple to Lab.
func ToLab(r, g, b uint8) Lab {
	rl := linearize(float64(r) / 255)
	gl := linearize(float64(g) / 255)
	bl := linearize(float64(b) / 255)

	x := rl*0.4124564 + gl*0.3575761 + bl*0.1804375
	y := rl*0.2126729 + gl*0.7151522 + bl*0.0721750
	z := rl*0.0193339 + gl*0.1191920 + bl*0.9503041

	fx := labF(x / whiteX)
	fy := labF(y / whiteY)
	fz := labF(z / whiteZ)

	return Lab{
		L: 116*fy - 16,
		A: 500 * (fx - fy),
		B: 200 * (fy - fz),
	}
}

// sRGB inverse transfer.
func linearize(v float64) float64 {
	if v > 0.04045 {
		return math.Pow((v+0.055)/1.055, 2.4)
	}
	return v / 12.92
}

func labF(t float64) float64 {
	if t > 0.008856 {
		return math.Cbrt(t)
	}
	return 7.787*t + 16.0/116.0
}

// HSLToLab runs the full conversion for one slider color.
func HSLToLab(c HSL) Lab {
	r, g, b := ToRGB(c)
	return ToLab(r, g, b)
}

// Distance is the Euclidean distance between two Lab points.
func Distance(a, b Lab) float64 {
	dl := a.L - b.L
	da := a.A - b.A
	db := a.B - b.B
	return math.Sqrt(dl*dl + da*da + db*db)
}

// Difference returns the normalised difference in [0,100] (0 = identical).
func Difference(a, b HSL) float64 {
	d := Distance(HSLToLab(a), HSLToLab(b))
	return math.Min(100, d/MaxLabDistance*100)
}

// Score returns the accuracy of user against target in [0,100] (100 = perfect match).
func Score(user, target HSL) float64 {
	return math.Max(0, 100-Difference(user, target))
}

// ScaledAccuracy converts an accuracy percentage to the ledger's 2-decimal fixed
// point: 95.67 → 9567.
func ScaledAccuracy(accuracy float64) uint16 {
	v := math.Floor(clamp(accuracy, 0, 100)*100 + 0.5)
	return uint16(v)
}

// FromScaled reverses ScaledAccuracy.
func FromScaled(v uint16) float64 {
	return float64(v) / 100
}
