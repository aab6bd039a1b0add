package card

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"

	"github.com/park285/colordrop-pool/internal/color"
)

func TestRenderPNG(t *testing.T) {
	in := Input{
		PoolID:   12,
		Target:   color.HSL{H: 0, S: 100, L: 50},
		Guess:    color.HSL{H: 240, S: 100, L: 50},
		Accuracy: 12.34,
		Tier:     "Try Again",
	}
	b, err := RenderPNG(context.Background(), in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, Width, Height) {
		t.Fatalf("bounds: %v", img.Bounds())
	}

	// 물방울 하이라이트를 피해 좌상단 근처에서 샘플링
	check := func(name string, rect image.Rectangle, wr, wg, wb uint8) {
		t.Helper()
		p := rect.Min.Add(image.Pt(20, rect.Dy()-20))
		r, g, b, _ := img.At(p.X, p.Y).RGBA()
		if uint8(r>>8) != wr || uint8(g>>8) != wg || uint8(b>>8) != wb {
			t.Fatalf("%s swatch at %v: got %d,%d,%d", name, p, r>>8, g>>8, b>>8)
		}
	}
	check("target", TargetRect, 255, 0, 0)
	check("guess", GuessRect, 0, 0, 255)
}

func TestRenderRejectsInvalidColor(t *testing.T) {
	_, err := RenderPNG(context.Background(), Input{Target: color.HSL{H: 400}, Guess: color.HSL{}})
	if err == nil {
		t.Fatalf("invalid color rendered")
	}
}

func TestRenderHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RenderPNG(ctx, Input{Target: color.HSL{H: 10, S: 50, L: 50}, Guess: color.HSL{H: 20, S: 50, L: 50}})
	if err == nil {
		t.Fatalf("cancelled render succeeded")
	}
}

func TestHex(t *testing.T) {
	if got := hex(color.HSL{H: 120, S: 100, L: 50}); got != "#00ff00" {
		t.Fatalf("hex: %s", got)
	}
}
