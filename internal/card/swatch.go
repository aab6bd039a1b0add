package card

import (
	"bytes"
	"fmt"
	"image"
	stdcolor "image/color"
	imagedraw "image/draw"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"

	"github.com/park285/colordrop-pool/internal/color"
)

// swatchSVG is a rounded square with a droplet cut-out highlight.
const swatchSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 100" width="100" height="100">
<rect x="0" y="0" width="100" height="100" rx="9" ry="9" style="fill: %s"/>
<path d="M50 18 C50 18 30 44 30 58 A20 20 0 0 0 70 58 C70 44 50 18 50 18 Z" style="fill: #ffffff; fill-opacity:0.16"/>
</svg>`

// hex renders c the way the swatch fill expects it.
func hex(c color.HSL) string {
	r, g, b := color.ToRGB(c)
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func drawSwatch(dst *image.RGBA, rect image.Rectangle, c color.HSL) error {
	svg := fmt.Sprintf(swatchSVG, hex(c))
	icon, err := oksvg.ReadIconStream(bytes.NewReader(sanitizeSVG([]byte(svg))))
	if err != nil {
		return fmt.Errorf("parse swatch svg: %w", err)
	}
	w, h := rect.Dx(), rect.Dy()
	icon.SetTarget(0, 0, float64(w), float64(h))

	layer := image.NewRGBA(image.Rect(0, 0, w, h))
	imagedraw.Draw(layer, layer.Bounds(), image.NewUniform(stdcolor.Transparent), image.Point{}, imagedraw.Src)
	scanner := rasterx.NewScannerGV(w, h, layer, layer.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)

	imagedraw.Draw(dst, rect, layer, image.Point{}, imagedraw.Over)
	return nil
}

// sanitizeSVG normalizes "fill: #xxx" spacing oksvg's style parser rejects.
func sanitizeSVG(svg []byte) []byte {
	fixed := bytes.ReplaceAll(svg, []byte("fill: #"), []byte("fill:#"))
	fixed = bytes.ReplaceAll(fixed, []byte("stroke: #"), []byte("stroke:#"))
	fixed = bytes.ReplaceAll(fixed, []byte("stop-color: #"), []byte("stop-color:#"))
	return fixed
}
