package dataset_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/rand"
	"mnist-backend/internal/core/dataset"
	"mnist-backend/internal/core/nn"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idxBytes(t *testing.T, count int) ([]byte, []byte) {
	var images, labels bytes.Buffer
	require.NoError(t, binary.Write(&images, binary.BigEndian, []uint32{2051, uint32(count), 28, 28}))
	require.NoError(t, binary.Write(&labels, binary.BigEndian, []uint32{2049, uint32(count)}))
	for i := 0; i < count; i++ {
		img := make([]byte, 784)
		img[0] = 255
		img[1] = byte(i)
		images.Write(img)
		labels.WriteByte(byte(i % 10))
	}
	return images.Bytes(), labels.Bytes()
}

func TestParse(t *testing.T) {
	images, labels := idxBytes(t, 3)
	ds, err := dataset.Parse(bytes.NewReader(images), bytes.NewReader(labels))
	require.NoError(t, err)

	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, []int{0, 1, 2}, ds.Labels)
	assert.Len(t, ds.Images[2], nn.InputSize)
	assert.Equal(t, float32(1), ds.Images[0][0])
	assert.InDelta(t, 2.0/255, ds.Images[2][1], 1e-7)
	assert.Equal(t, float32(0), ds.Images[1][783])
}

func TestParseErrors(t *testing.T) {
	images, labels := idxBytes(t, 2)

	badMagic := bytes.Clone(images)
	badMagic[3] = 0
	_, err := dataset.Parse(bytes.NewReader(badMagic), bytes.NewReader(labels))
	assert.ErrorIs(t, err, dataset.ErrInvalidIDX)

	_, err = dataset.Parse(bytes.NewReader(images[:100]), bytes.NewReader(labels))
	assert.ErrorIs(t, err, dataset.ErrInvalidIDX)

	_, otherLabels := idxBytes(t, 3)
	_, err = dataset.Parse(bytes.NewReader(images), bytes.NewReader(otherLabels))
	assert.ErrorIs(t, err, dataset.ErrInvalidIDX)

	badLabel := bytes.Clone(labels)
	badLabel[8] = 12
	_, err = dataset.Parse(bytes.NewReader(images), bytes.NewReader(badLabel))
	assert.ErrorIs(t, err, dataset.ErrInvalidIDX)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	ds := dataset.Synthetic(20, rand.New(rand.NewSource(1)))
	require.NoError(t, dataset.Save(dir, dataset.Test, ds))

	loaded, err := dataset.Load(dir, dataset.Test)
	require.NoError(t, err)
	assert.Equal(t, ds.Labels, loaded.Labels)
	for i := range ds.Images {
		for j := range ds.Images[i] {
			assert.InDelta(t, ds.Images[i][j], loaded.Images[i][j], 1.0/255)
		}
	}

	_, err = dataset.Load(dir, dataset.Train)
	assert.Error(t, err)
}

func TestBatches(t *testing.T) {
	ds := dataset.Synthetic(10, rand.New(rand.NewSource(2)))

	batches := ds.Batches(4, false, nil)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Labels, 4)
	assert.Len(t, batches[2].Labels, 2)
	assert.Equal(t, ds.Labels[:4], batches[0].Labels)

	shuffled := ds.Batches(4, true, rand.New(rand.NewSource(3)))
	seen := map[*float32]bool{}
	total := 0
	for _, b := range shuffled {
		require.Len(t, b.Images, len(b.Labels))
		for _, img := range b.Images {
			seen[&img[0]] = true
			total++
		}
	}
	assert.Equal(t, 10, total)
	assert.Len(t, seen, 10)

	assert.Nil(t, ds.Batches(0, false, nil))
}

func TestSubset(t *testing.T) {
	ds := dataset.Synthetic(10, rand.New(rand.NewSource(2)))
	assert.Equal(t, 4, ds.Subset(4).Len())
	assert.Equal(t, 10, ds.Subset(0).Len())
	assert.Equal(t, 10, ds.Subset(100).Len())
}

func gzipFixture(t *testing.T) ([]byte, string) {
	dir := t.TempDir()
	require.NoError(t, dataset.Save(dir, dataset.Train, dataset.Synthetic(5, rand.New(rand.NewSource(4)))))
	data, err := os.ReadFile(filepath.Join(dataset.RawDir(dir), "train-labels-idx1-ubyte.gz"))
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:])
}

func TestDownloadFallsBackToNextMirror(t *testing.T) {
	data, sum := gzipFixture(t)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("corrupted"))
	}))
	defer bad.Close()

	var hits atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/mnist/train-labels-idx1-ubyte.gz", r.URL.Path)
		w.Write(data)
	}))
	defer good.Close()

	files := []dataset.RemoteFile{{Name: "train-labels-idx1-ubyte.gz", SHA256: sum}}
	downloader := dataset.NewDownloader([]string{bad.URL + "/mnist/", good.URL + "/mnist"}, files)

	dir := t.TempDir()
	require.NoError(t, downloader.Download(context.Background(), dir))

	written, err := os.ReadFile(filepath.Join(dataset.RawDir(dir), "train-labels-idx1-ubyte.gz"))
	require.NoError(t, err)
	assert.Equal(t, data, written)
	assert.Equal(t, int32(1), hits.Load())

	// Files already present with the right digest are not fetched again.
	require.NoError(t, downloader.Download(context.Background(), dir))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadChecksumMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not the dataset"))
	}))
	defer server.Close()

	files := []dataset.RemoteFile{{Name: "t10k-labels-idx1-ubyte.gz", SHA256: "00"}}
	downloader := dataset.NewDownloader([]string{server.URL}, files)

	dir := t.TempDir()
	err := downloader.Download(context.Background(), dir)
	assert.ErrorIs(t, err, dataset.ErrChecksumMismatch)

	entries, err := os.ReadDir(dataset.RawDir(dir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	downloader := dataset.NewDownloader([]string{server.URL}, []dataset.RemoteFile{{Name: "x.gz", SHA256: "00"}})
	assert.Error(t, downloader.Download(context.Background(), t.TempDir()))
}
