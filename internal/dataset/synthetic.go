package dataset

import (
	"fmt"
	"math"
	"math/rand"
)

// Synthetic builds a deterministic, learnable stand-in for CIFAR-10: each class
// has its own colour cast and stripe frequency, blurred by per-pixel noise.
func Synthetic(name string, n int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	plane := ImageHeight * ImageWidth
	ds := &Dataset{Name: name, Samples: make([]Sample, n)}
	for i := range ds.Samples {
		label := rng.Intn(NumClasses)
		freq := float64(label%5+1) * math.Pi / ImageHeight
		vertical := label >= 5
		pixels := make([]uint8, ImageSize)
		for c := 0; c < ImageChannels; c++ {
			cast := 40 * math.Cos(float64(label+c*3))
			for y := 0; y < ImageHeight; y++ {
				for x := 0; x < ImageWidth; x++ {
					pos := float64(y)
					if vertical {
						pos = float64(x)
					}
					v := 128 + cast + 60*math.Sin(freq*pos) + rng.NormFloat64()*24
					pixels[c*plane+y*ImageWidth+x] = clampByte(v)
				}
			}
		}
		ds.Samples[i] = Sample{Key: fmt.Sprintf("%s-%06d", name, i), Pixels: pixels, Label: label}
	}
	return ds
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
