package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrChecksumMismatch = errors.New("checksum mismatch")

type RemoteFile struct {
	Name   string
	SHA256 string
}

var MNISTFiles = []RemoteFile{
	{Name: imagesFile(Train), SHA256: "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609"},
	{Name: labelsFile(Train), SHA256: "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c"},
	{Name: imagesFile(Test), SHA256: "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6"},
	{Name: labelsFile(Test), SHA256: "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6"},
}

var DefaultMirrors = []string{
	"https://ossci-datasets.s3.amazonaws.com/mnist/",
	"https://storage.googleapis.com/cvdf-datasets/mnist/",
}

type Downloader struct {
	client  *resty.Client
	mirrors []string
	files   []RemoteFile
}

func NewDownloader(mirrors []string, files []RemoteFile) *Downloader {
	if len(mirrors) == 0 {
		mirrors = DefaultMirrors
	}
	if len(files) == 0 {
		files = MNISTFiles
	}
	return &Downloader{
		client:  resty.New().SetTimeout(5 * time.Minute).SetRetryCount(2),
		mirrors: mirrors,
		files:   files,
	}
}

// Download fetches every file that is missing or fails its checksum into
// <dataDir>/MNIST/raw. Each file is tried against the mirrors in order.
func (d *Downloader) Download(ctx context.Context, dataDir string) error {
	dir := RawDir(dataDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating %s: %w", dir, err)
	}

	for _, file := range d.files {
		path := filepath.Join(dir, file.Name)
		if err := verifyFile(path, file.SHA256); err == nil {
			slog.Debug("dataset file present", "file", file.Name)
			continue
		}

		var errs []error
		downloaded := false
		for _, mirror := range d.mirrors {
			if err := d.fetch(ctx, mirror, file, path); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("dataset mirror failed", "mirror", mirror, "file", file.Name, "error", err)
				errs = append(errs, err)
				continue
			}
			downloaded = true
			break
		}
		if !downloaded {
			return fmt.Errorf("unable to download %s: %w", file.Name, errors.Join(errs...))
		}
	}
	return nil
}

func (d *Downloader) fetch(ctx context.Context, mirror string, file RemoteFile, path string) error {
	url := strings.TrimSuffix(mirror, "/") + "/" + file.Name
	slog.Info("downloading dataset file", "url", url)

	res, err := d.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("error requesting %s: %w", url, err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("error requesting %s: status %d", url, res.StatusCode())
	}

	body := res.Body()
	if got := digest(body); got != file.SHA256 {
		return fmt.Errorf("%w: %s has sha256 %s, expected %s", ErrChecksumMismatch, url, got, file.SHA256)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), file.Name+".part-*")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", tmp.Name(), err)
	}
	return os.Rename(tmp.Name(), path)
}

func verifyFile(path, expected string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if got := digest(data); got != expected {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, path)
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Prepare downloads any missing files and loads both splits.
func Prepare(ctx context.Context, dataDir string, downloader *Downloader) (train, test *Dataset, err error) {
	if err := downloader.Download(ctx, dataDir); err != nil {
		return nil, nil, err
	}
	if train, err = Load(dataDir, Train); err != nil {
		return nil, nil, err
	}
	if test, err = Load(dataDir, Test); err != nil {
		return nil, nil, err
	}
	slog.Info("loaded dataset", "train_samples", train.Len(), "test_samples", test.Len())
	return train, test, nil
}
