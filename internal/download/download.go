// Package download fetches the driver binaries a node runs.
package download

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// File describes how to download a file from the Web.
type File struct {
	URL  string
	Name string
	// Hash is the hex digest of the file. It is not checked when empty.
	Hash string
	// HashType is md5, sha1 or sha256, the default.
	HashType string
	// Rename, if set, is the pair of paths, relative to the directory, to
	// rename after extraction.
	Rename []string
	// Executable is the path, relative to the directory, of the binary the
	// archive holds. It is made executable after extraction.
	Executable string
}

var (
	// ChromeDriverFile describes how to download the ChromeDriver binary.
	ChromeDriverFile = File{
		URL:        "https://storage.googleapis.com/chrome-for-testing-public/120.0.6099.109/linux64/chromedriver-linux64.zip",
		Name:       "chromedriver.zip",
		Rename:     []string{"chromedriver-linux64/chromedriver", "chromedriver"},
		Executable: "chromedriver",
	}

	// GeckodriverFile describes how to download the Geckodriver binary.
	GeckodriverFile = File{
		URL:        "https://github.com/mozilla/geckodriver/releases/download/v0.34.0/geckodriver-v0.34.0-linux64.tar.gz",
		Name:       "geckodriver.tar.gz",
		Executable: "geckodriver",
	}
)

// DriverFiles returns the files of the drivers a node can start.
func DriverFiles() []File {
	return []File{ChromeDriverFile, GeckodriverFile}
}

// execCommand runs the archive tools. Tests replace it.
var execCommand = exec.CommandContext

// Downloader fetches files into a directory.
type Downloader struct {
	// Dir is the destination. It defaults to the current directory.
	Dir    string
	Client *http.Client
	Logger *zap.Logger
	// Parallel bounds the number of concurrent downloads of DownloadAll.
	Parallel int
	// Retries is the number of extra attempts after a failed request.
	Retries uint64
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *Downloader) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

func (d *Downloader) path(name string) string {
	if d.Dir != "" {
		return filepath.Join(d.Dir, name)
	}
	return name
}

// Download fetches file unless a copy with the expected hash is already
// present, then extracts it.
func (d *Downloader) Download(ctx context.Context, file File) error {
	logger := d.logger().With(zap.String("file", file.Name))
	if file.Hash != "" && d.sameHash(file) {
		logger.Info("skipping file which has already been downloaded")
	} else {
		logger.Info("downloading", zap.String("url", file.URL))
		fetch := func() error {
			err := d.fetch(ctx, file)
			if _, ok := err.(*hashError); ok {
				return backoff.Permanent(err)
			}
			return err
		}
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.Retries), ctx)
		notify := func(err error, wait time.Duration) {
			logger.Warn("download failed, retrying", zap.Duration("wait", wait), zap.Error(err))
		}
		if err := backoff.RetryNotify(fetch, b, notify); err != nil {
			return err
		}
	}

	if err := d.extract(ctx, file); err != nil {
		return err
	}

	if rename := file.Rename; len(rename) == 2 {
		from, to := d.path(rename[0]), d.path(rename[1])
		logger.Info("renaming", zap.String("from", from), zap.String("to", to))
		os.RemoveAll(to)
		if err := os.Rename(from, to); err != nil {
			logger.Warn("renaming failed", zap.Error(err))
		}
	}
	if file.Executable != "" {
		if err := os.Chmod(d.path(file.Executable), 0o755); err != nil {
			return fmt.Errorf("%s: %w", file.Name, err)
		}
	}
	return nil
}

// DownloadAll fetches files concurrently.
func (d *Downloader) DownloadAll(ctx context.Context, files []File) error {
	g, ctx := errgroup.WithContext(ctx)
	if d.Parallel > 0 {
		g.SetLimit(d.Parallel)
	}
	for _, file := range files {
		file := file
		g.Go(func() error {
			if err := d.Download(ctx, file); err != nil {
				return fmt.Errorf("error handling %s: %w", file.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

type hashError struct {
	name, hashType, got, want string
}

func (e *hashError) Error() string {
	return fmt.Sprintf("%s: got %s hash %q, want %q", e.name, e.hashType, e.got, e.want)
}

func newHash(hashType string) hash.Hash {
	switch strings.ToLower(hashType) {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	default:
		return sha256.New()
	}
}

func (d *Downloader) fetch(ctx context.Context, file File) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("%s: error downloading %q: %w", file.Name, file.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s: downloading %q: %s", file.Name, file.URL, resp.Status)
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	f, err := os.Create(d.path(file.Name))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("error creating %q: %w", d.path(file.Name), err))
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("error closing %q: %w", d.path(file.Name), closeErr)
		}
	}()

	h := newHash(file.HashType)
	if _, err := io.Copy(io.MultiWriter(f, h), resp.Body); err != nil {
		return fmt.Errorf("%s: error downloading %q: %w", file.Name, file.URL, err)
	}
	if file.Hash == "" {
		return nil
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != file.Hash {
		hashType := file.HashType
		if hashType == "" {
			hashType = "sha256"
		}
		return &hashError{name: file.Name, hashType: hashType, got: got, want: file.Hash}
	}
	return nil
}

func (d *Downloader) sameHash(file File) bool {
	f, err := os.Open(d.path(file.Name))
	if err != nil {
		return false
	}
	defer f.Close()

	h := newHash(file.HashType)
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if sum != file.Hash {
		d.logger().Warn("hash mismatch", zap.String("file", file.Name), zap.String("got", sum), zap.String("want", file.Hash))
		return false
	}
	return true
}

func (d *Downloader) extract(ctx context.Context, file File) error {
	dir := "."
	if d.Dir != "" {
		dir = d.Dir
	}

	var cmd []string
	switch path.Ext(file.Name) {
	case ".zip":
		cmd = []string{"unzip", "-d", dir, "-o", d.path(file.Name)}
	case ".gz":
		cmd = []string{"tar", "-xzf", d.path(file.Name), "-C", dir}
	case ".bz2":
		cmd = []string{"tar", "-xjf", d.path(file.Name), "-C", dir}
	default:
		return nil
	}

	d.logger().Info("unzipping", zap.String("file", d.path(file.Name)))
	if out, err := execCommand(ctx, cmd[0], cmd[1:]...).CombinedOutput(); err != nil {
		return fmt.Errorf("error unzipping %q: %w: %s", file.Name, err, out)
	}
	return nil
}
