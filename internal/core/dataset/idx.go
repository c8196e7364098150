package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mnist-backend/internal/core/nn"
	"os"
	"path/filepath"
)

const (
	imagesMagic = 2051
	labelsMagic = 2049
)

var ErrInvalidIDX = errors.New("invalid idx data")

type Split string

const (
	Train Split = "train"
	Test  Split = "t10k"
)

func imagesFile(split Split) string { return string(split) + "-images-idx3-ubyte.gz" }
func labelsFile(split Split) string { return string(split) + "-labels-idx1-ubyte.gz" }

// RawDir is where the compressed idx files live inside a data directory.
func RawDir(dataDir string) string {
	return filepath.Join(dataDir, "MNIST", "raw")
}

type Dataset struct {
	Images [][]float32
	Labels []int
}

type Batch struct {
	Images [][]float32
	Labels []int
}

func (d *Dataset) Len() int {
	return len(d.Labels)
}

// Subset returns the first n samples, or the whole dataset if n is not positive
// or exceeds its size.
func (d *Dataset) Subset(n int) *Dataset {
	if n <= 0 || n >= d.Len() {
		return d
	}
	return &Dataset{Images: d.Images[:n], Labels: d.Labels[:n]}
}

// Batches splits the dataset into consecutive batches of size, keeping the
// final partial batch. Batches share the underlying image slices.
func (d *Dataset) Batches(size int, shuffle bool, rng *rand.Rand) []Batch {
	if size <= 0 || d.Len() == 0 {
		return nil
	}

	order := make([]int, d.Len())
	for i := range order {
		order[i] = i
	}
	if shuffle {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	batches := make([]Batch, 0, (d.Len()+size-1)/size)
	for start := 0; start < len(order); start += size {
		end := min(start+size, len(order))
		batch := Batch{Images: make([][]float32, 0, end-start), Labels: make([]int, 0, end-start)}
		for _, idx := range order[start:end] {
			batch.Images = append(batch.Images, d.Images[idx])
			batch.Labels = append(batch.Labels, d.Labels[idx])
		}
		batches = append(batches, batch)
	}
	return batches
}

// Parse reads uncompressed idx3 images and idx1 labels, scaling pixels to [0, 1].
func Parse(images, labels io.Reader) (*Dataset, error) {
	var imgHeader [4]uint32
	if err := binary.Read(images, binary.BigEndian, &imgHeader); err != nil {
		return nil, fmt.Errorf("%w: reading image header: %v", ErrInvalidIDX, err)
	}
	if imgHeader[0] != imagesMagic {
		return nil, fmt.Errorf("%w: image magic %d, expected %d", ErrInvalidIDX, imgHeader[0], imagesMagic)
	}
	count, rows, cols := int(imgHeader[1]), int(imgHeader[2]), int(imgHeader[3])
	if rows != nn.ImageSize || cols != nn.ImageSize {
		return nil, fmt.Errorf("%w: images are %dx%d, expected %dx%d", ErrInvalidIDX, rows, cols, nn.ImageSize, nn.ImageSize)
	}

	var lblHeader [2]uint32
	if err := binary.Read(labels, binary.BigEndian, &lblHeader); err != nil {
		return nil, fmt.Errorf("%w: reading label header: %v", ErrInvalidIDX, err)
	}
	if lblHeader[0] != labelsMagic {
		return nil, fmt.Errorf("%w: label magic %d, expected %d", ErrInvalidIDX, lblHeader[0], labelsMagic)
	}
	if int(lblHeader[1]) != count {
		return nil, fmt.Errorf("%w: %d images but %d labels", ErrInvalidIDX, count, lblHeader[1])
	}

	pixels := make([]byte, count*nn.InputSize)
	if _, err := io.ReadFull(images, pixels); err != nil {
		return nil, fmt.Errorf("%w: reading %d images: %v", ErrInvalidIDX, count, err)
	}
	rawLabels := make([]byte, count)
	if _, err := io.ReadFull(labels, rawLabels); err != nil {
		return nil, fmt.Errorf("%w: reading %d labels: %v", ErrInvalidIDX, count, err)
	}

	ds := &Dataset{Images: make([][]float32, count), Labels: make([]int, count)}
	values := make([]float32, len(pixels))
	for i, p := range pixels {
		values[i] = float32(p) / 255
	}
	for i := 0; i < count; i++ {
		ds.Images[i] = values[i*nn.InputSize : (i+1)*nn.InputSize : (i+1)*nn.InputSize]
		if rawLabels[i] >= nn.NumClasses {
			return nil, fmt.Errorf("%w: label %d at index %d", ErrInvalidIDX, rawLabels[i], i)
		}
		ds.Labels[i] = int(rawLabels[i])
	}
	return ds, nil
}

func openGzip(path string) (io.ReadCloser, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("error opening gzip stream %s: %w", path, err)
	}
	return gz, func() error {
		gz.Close()
		return f.Close()
	}, nil
}

// Load reads one split from <dataDir>/MNIST/raw.
func Load(dataDir string, split Split) (*Dataset, error) {
	dir := RawDir(dataDir)

	images, closeImages, err := openGzip(filepath.Join(dir, imagesFile(split)))
	if err != nil {
		return nil, fmt.Errorf("error opening %s images: %w", split, err)
	}
	defer closeImages()

	labels, closeLabels, err := openGzip(filepath.Join(dir, labelsFile(split)))
	if err != nil {
		return nil, fmt.Errorf("error opening %s labels: %w", split, err)
	}
	defer closeLabels()

	ds, err := Parse(images, labels)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s split: %w", split, err)
	}
	return ds, nil
}

// Save writes the dataset as gzipped idx files for split under dataDir, in the
// layout Load expects. Pixels are quantized back to bytes.
func Save(dataDir string, split Split, ds *Dataset) error {
	dir := RawDir(dataDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating %s: %w", dir, err)
	}

	imgHeader := []uint32{imagesMagic, uint32(ds.Len()), nn.ImageSize, nn.ImageSize}
	err := writeGzip(filepath.Join(dir, imagesFile(split)), func(w io.Writer) error {
		if err := binary.Write(w, binary.BigEndian, imgHeader); err != nil {
			return err
		}
		buf := make([]byte, nn.InputSize)
		for _, img := range ds.Images {
			if len(img) != nn.InputSize {
				return fmt.Errorf("image has %d pixels, expected %d", len(img), nn.InputSize)
			}
			for i, v := range img {
				buf[i] = byte(min(max(v, 0), 1)*255 + 0.5)
			}
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error writing images: %w", err)
	}

	lblHeader := []uint32{labelsMagic, uint32(ds.Len())}
	err = writeGzip(filepath.Join(dir, labelsFile(split)), func(w io.Writer) error {
		if err := binary.Write(w, binary.BigEndian, lblHeader); err != nil {
			return err
		}
		buf := make([]byte, ds.Len())
		for i, l := range ds.Labels {
			buf[i] = byte(l)
		}
		_, err := w.Write(buf)
		return err
	})
	if err != nil {
		return fmt.Errorf("error writing labels: %w", err)
	}
	return nil
}

func writeGzip(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if err := write(gz); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Close()
}
