package dataset

import (
	"bytes"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
)

// decodeImage decodes a PNG or JPEG and nearest-samples it to 3x32x32 CHW bytes.
func decodeImage(raw []byte) ([]uint8, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	plane := ImageHeight * ImageWidth
	pixels := make([]uint8, ImageSize)
	stepX := float64(width) / float64(ImageWidth)
	stepY := float64(height) / float64(ImageHeight)
	for gy := 0; gy < ImageHeight; gy++ {
		for gx := 0; gx < ImageWidth; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			i := gy*ImageWidth + gx
			pixels[i] = uint8(r >> 8)
			pixels[plane+i] = uint8(g >> 8)
			pixels[2*plane+i] = uint8(b >> 8)
		}
	}
	return pixels, nil
}
