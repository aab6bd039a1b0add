package color

import (
	"math"
	"math/rand"
)

// HSL is a color as picked on the sliders: hue in degrees, saturation and lightness in percent.
type HSL struct {
	H float64 `json:"h"`
	S float64 `json:"s"`
	L float64 `json:"l"`
}

// Valid reports whether the components are inside the slider ranges.
func (c HSL) Valid() bool {
	return c.H >= 0 && c.H <= 360 && c.S >= 0 && c.S <= 100 && c.L >= 0 && c.L <= 100
}

// ToRGB converts to 8-bit sRGB using the hue-sector formula.
// Channels are rounded half-up to integers, the same way every client rounds,
// so two clients feeding the same sliders end up with the same bytes.
//
// A hue outside [0,360) falls in no sector and keeps only the lightness
// offset: hue 360 gives grey, not red. Other clients convert it the same way.
func ToRGB(c HSL) (r, g, b uint8) {
	h := c.H
	s := clamp(c.S, 0, 100) / 100
	l := clamp(c.L, 0, 100) / 100

	chroma := (1 - math.Abs(2*l-1)) * s
	x := chroma * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := l - chroma/2

	var rf, gf, bf float64
	switch {
	case h < 0 || h >= 360:
	case h < 60:
		rf, gf, bf = chroma, x, 0
	case h < 120:
		rf, gf, bf = x, chroma, 0
	case h < 180:
		rf, gf, bf = 0, chroma, x
	case h < 240:
		rf, gf, bf = 0, x, chroma
	case h < 300:
		rf, gf, bf = x, 0, chroma
	default:
		rf, gf, bf = chroma, 0, x
	}
	return to8(rf + m), to8(gf + m), to8(bf + m)
}

func to8(v float64) uint8 {
	n := math.Floor(v*255 + 0.5)
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return uint8(n)
}

// RandomTarget picks integer components uniformly: h in [0,360], s and l in [0,100].
func RandomTarget(rng *rand.Rand) HSL {
	if rng == nil {
		return HSL{H: float64(rand.Intn(361)), S: float64(rand.Intn(101)), L: float64(rand.Intn(101))}
	}
	return HSL{H: float64(rng.Intn(361)), S: float64(rng.Intn(101)), L: float64(rng.Intn(101))}
}

// DefaultPick is where the sliders start each round.
var DefaultPick = HSL{H: 180, S: 50, L: 50}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
