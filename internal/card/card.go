// Package card renders the share card for a scored round: target and guess
// swatches side by side with the accuracy and tier.
package card

import (
	"bytes"
	"context"
	"fmt"
	"image"
	stdcolor "image/color"
	imagedraw "image/draw"
	"image/png"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/park285/colordrop-pool/internal/color"
)

// Input is what the card shows.
type Input struct {
	PoolID   uint64
	Target   color.HSL
	Guess    color.HSL
	Accuracy float64
	Tier     string
}

const (
	Width  = 640
	Height = 360

	margin     = 32
	swatchSize = 200
	swatchTop  = 96
	radius     = 18
)

var (
	backgroundColor = stdcolor.NRGBA{R: 22, G: 24, B: 36, A: 255}
	panelColor      = stdcolor.NRGBA{R: 32, G: 35, B: 52, A: 245}
	shadowColor     = stdcolor.NRGBA{0, 0, 0, 60}
	textPrimary     = stdcolor.NRGBA{R: 236, G: 239, B: 255, A: 255}
	textSecondary   = stdcolor.NRGBA{R: 170, G: 176, B: 204, A: 255}
)

// TargetRect and GuessRect are the swatch areas.
var (
	TargetRect = image.Rect(margin, swatchTop, margin+swatchSize, swatchTop+swatchSize)
	GuessRect  = image.Rect(margin+swatchSize+24, swatchTop, margin+2*swatchSize+24, swatchTop+swatchSize)
)

// RenderPNG draws the card.
func RenderPNG(ctx context.Context, in Input) ([]byte, error) {
	if !in.Target.Valid() || !in.Guess.Valid() {
		return nil, fmt.Errorf("card colors out of range")
	}
	faces, err := loadFaces()
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, imagedraw.Src)

	for _, sw := range []struct {
		rect  image.Rectangle
		c     color.HSL
		label string
	}{
		{TargetRect, in.Target, "TARGET"},
		{GuessRect, in.Guess, "YOU"},
	} {
		drawRoundedPanel(img, sw.rect.Add(image.Pt(0, 6)), radius, shadowColor)
		if err := drawSwatch(img, sw.rect, sw.c); err != nil {
			return nil, err
		}
		label := image.Rect(sw.rect.Min.X, sw.rect.Max.Y+8, sw.rect.Max.X, sw.rect.Max.Y+36)
		drawCenteredString(&font.Drawer{Dst: img, Face: faces.small}, label, sw.label, textSecondary)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	title := image.Rect(margin, 24, Width-margin, 72)
	drawRoundedPanel(img, title, 12, panelColor)
	drawCenteredString(&font.Drawer{Dst: img, Face: faces.small}, title, fmt.Sprintf("ColorDrop  ·  Pool #%d", in.PoolID), textPrimary)

	side := image.Rect(GuessRect.Max.X+24, swatchTop, Width-margin, swatchTop+swatchSize)
	drawRoundedPanel(img, side, radius, panelColor)
	score := image.Rect(side.Min.X, side.Min.Y+36, side.Max.X, side.Min.Y+100)
	drawCenteredString(&font.Drawer{Dst: img, Face: faces.large}, score, fmt.Sprintf("%.2f%%", in.Accuracy), textPrimary)
	tier := image.Rect(side.Min.X, side.Min.Y+112, side.Max.X, side.Min.Y+150)
	tierText := truncateWithEllipsis(faces.small, in.Tier, side.Dx()-16)
	drawCenteredString(&font.Drawer{Dst: img, Face: faces.small}, tier, tierText, textSecondary)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

type faceSet struct {
	large font.Face
	small font.Face
}

var (
	facesOnce sync.Once
	faces     faceSet
	facesErr  error
)

func loadFaces() (faceSet, error) {
	facesOnce.Do(func() {
		bold, err := opentype.Parse(gobold.TTF)
		if err != nil {
			facesErr = fmt.Errorf("parse bold font: %w", err)
			return
		}
		regular, err := opentype.Parse(goregular.TTF)
		if err != nil {
			facesErr = fmt.Errorf("parse regular font: %w", err)
			return
		}
		if faces.large, err = opentype.NewFace(bold, &opentype.FaceOptions{Size: 40, DPI: 72, Hinting: font.HintingFull}); err != nil {
			facesErr = err
			return
		}
		faces.small, facesErr = opentype.NewFace(regular, &opentype.FaceOptions{Size: 18, DPI: 72, Hinting: font.HintingFull})
	})
	return faces, facesErr
}

func drawCenteredString(drawer *font.Drawer, rect image.Rectangle, text string, clr stdcolor.Color) {
	text = strings.TrimSpace(text)
	if drawer == nil || text == "" {
		return
	}
	metrics := drawer.Face.Metrics()
	width := drawer.MeasureString(text).Round()
	x := rect.Min.X + (rect.Dx()-width)/2
	if x < rect.Min.X {
		x = rect.Min.X
	}
	baseline := rect.Min.Y + (rect.Dy()+metrics.Ascent.Ceil()-metrics.Descent.Ceil())/2
	drawer.Src = image.NewUniform(clr)
	drawer.Dot = fixed.P(x, baseline)
	drawer.DrawString(text)
}

func truncateWithEllipsis(face font.Face, text string, maxWidth int) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || maxWidth <= 0 || face == nil {
		return trimmed
	}
	drawer := font.Drawer{Face: face}
	if drawer.MeasureString(trimmed).Round() <= maxWidth {
		return trimmed
	}
	const ellipsis = "..."
	if drawer.MeasureString(ellipsis).Round() > maxWidth {
		return ""
	}
	runes := []rune(trimmed)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + ellipsis
		if drawer.MeasureString(candidate).Round() <= maxWidth {
			return candidate
		}
	}
	return ellipsis
}

// drawRoundedPanel fills rect with square-cornered core bands plus corner discs.
func drawRoundedPanel(img *image.RGBA, rect image.Rectangle, r int, clr stdcolor.Color) {
	if img == nil || rect.Empty() {
		return
	}
	if lim := min(rect.Dx(), rect.Dy()) / 2; r > lim {
		r = lim
	}
	fill := image.NewUniform(clr)
	if r <= 0 {
		imagedraw.Draw(img, rect, fill, image.Point{}, imagedraw.Over)
		return
	}
	imagedraw.Draw(img, image.Rect(rect.Min.X+r, rect.Min.Y, rect.Max.X-r, rect.Max.Y), fill, image.Point{}, imagedraw.Over)
	imagedraw.Draw(img, image.Rect(rect.Min.X, rect.Min.Y+r, rect.Min.X+r, rect.Max.Y-r), fill, image.Point{}, imagedraw.Over)
	imagedraw.Draw(img, image.Rect(rect.Max.X-r, rect.Min.Y+r, rect.Max.X, rect.Max.Y-r), fill, image.Point{}, imagedraw.Over)
	for _, c := range []image.Point{
		{rect.Min.X + r, rect.Min.Y + r},
		{rect.Max.X - r - 1, rect.Min.Y + r},
		{rect.Min.X + r, rect.Max.Y - r - 1},
		{rect.Max.X - r - 1, rect.Max.Y - r - 1},
	} {
		drawQuarterDisc(img, c, r, rect, clr)
	}
}

func drawQuarterDisc(img *image.RGBA, center image.Point, r int, clip image.Rectangle, clr stdcolor.Color) {
	src := image.NewUniform(clr)
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy > r*r {
				continue
			}
			p := image.Pt(center.X+dx, center.Y+dy)
			if !p.In(clip) {
				continue
			}
			// 코어 밴드와 겹치는 픽셀은 건너뛴다
			if p.X >= clip.Min.X+r && p.X < clip.Max.X-r {
				continue
			}
			if p.Y >= clip.Min.Y+r && p.Y < clip.Max.Y-r {
				continue
			}
			imagedraw.Draw(img, image.Rect(p.X, p.Y, p.X+1, p.Y+1), src, image.Point{}, imagedraw.Over)
		}
	}
}
