package inference

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mnist-backend/internal/core/nn"

	"golang.org/x/image/draw"
)

// MaxImageSide bounds the declared width and height of uploaded images so that
// decoding never allocates more than a few tens of megabytes.
const MaxImageSide = 4096

// PreprocessImage converts an encoded image into model input: grayscale,
// resized to 28x28 with a triangle filter, and inverted so dark ink on a
// light background maps to high values.
func PreprocessImage(data []byte) ([]float32, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width > MaxImageSide || cfg.Height > MaxImageSide {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %dx%d limit", ErrInvalidImage, cfg.Width, cfg.Height, MaxImageSide, MaxImageSide)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}

	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)

	small := image.NewGray(image.Rect(0, 0, nn.ImageSize, nn.ImageSize))
	draw.BiLinear.Scale(small, small.Bounds(), gray, gray.Bounds(), draw.Src, nil)

	pixels := make([]float32, nn.InputSize)
	for y := 0; y < nn.ImageSize; y++ {
		for x := 0; x < nn.ImageSize; x++ {
			v := small.GrayAt(x, y).Y
			pixels[y*nn.ImageSize+x] = 1 - float32(v)/255
		}
	}
	return pixels, nil
}
