package dataset

import (
	"math/rand"
	"mnist-backend/internal/core/nn"
)

// Synthetic generates a linearly separable stand-in for MNIST: each class
// lights a distinct 5x5 patch, with uniform noise elsewhere. It is used for
// offline smoke runs.
func Synthetic(n int, rng *rand.Rand) *Dataset {
	ds := &Dataset{Images: make([][]float32, n), Labels: make([]int, n)}
	for i := 0; i < n; i++ {
		label := rng.Intn(nn.NumClasses)
		img := make([]float32, nn.InputSize)
		for j := range img {
			img[j] = rng.Float32() * 0.1
		}
		top, left := 4+(label/5)*12, 1+(label%5)*5
		for y := top; y < top+5; y++ {
			for x := left; x < left+5; x++ {
				img[y*nn.ImageSize+x] = 0.8 + rng.Float32()*0.2
			}
		}
		ds.Images[i] = img
		ds.Labels[i] = label
	}
	return ds
}
