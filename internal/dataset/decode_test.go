package dataset

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestDecodeImageResamples(t *testing.T) {
	const size = 16
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y) % 255)})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	pixels, err := decodeImage(buf.Bytes())
	if err != nil {
		t.Fatalf("decodeImage: %v", err)
	}
	if len(pixels) != ImageSize {
		t.Fatalf("expected %d values, got %d", ImageSize, len(pixels))
	}
	plane := ImageHeight * ImageWidth
	// Upsampled 2x: the last pixel maps back to (15, 15).
	if got := pixels[plane-1]; got != 30 {
		t.Fatalf("last red pixel = %d, want 30", got)
	}
	if pixels[0] != pixels[plane] || pixels[0] != pixels[2*plane] {
		t.Fatalf("grey input should give equal channels")
	}
}

func TestDecodeImageRejectsGarbage(t *testing.T) {
	if _, err := decodeImage([]byte("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}
