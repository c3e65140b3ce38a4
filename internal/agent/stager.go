package agent

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	transferTimeout = 300 * time.Second
	// maxStagedBytes bounds one input download or extracted file.
	maxStagedBytes = 4 << 30
)

// Stager moves job input and output between the agent and object storage.
type Stager struct {
	http *http.Client
}

func NewStager() *Stager {
	return &Stager{http: &http.Client{Timeout: transferTimeout}}
}

// StageInput downloads input_url into inputDir. Gzipped tarballs are
// detected by content and extracted; anything else lands as a single file.
// Non-http(s) or empty URLs are skipped.
func (s *Stager) StageInput(ctx context.Context, inputURL, inputDir string) error {
	u, ok := usableURL(inputURL)
	if !ok {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inputURL, nil)
	if err != nil {
		return fmt.Errorf("op=stage.input url=%s: %w", inputURL, err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("op=stage.input url=%s: %w", inputURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=stage.input url=%s: status %d", inputURL, resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxStagedBytes))
	if err != nil {
		return fmt.Errorf("op=stage.input url=%s: %w", inputURL, err)
	}

	if mimetype.Detect(payload).Is("application/gzip") {
		if err := extractTarGz(bytes.NewReader(payload), inputDir); err != nil {
			return fmt.Errorf("op=stage.input url=%s: %w", inputURL, err)
		}
		return nil
	}
	name := filepath.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "input.bin"
	}
	if err := os.WriteFile(filepath.Join(inputDir, name), payload, 0o644); err != nil {
		return fmt.Errorf("op=stage.input url=%s: %w", inputURL, err)
	}
	return nil
}

// UploadOutput tars and gzips outputDir and PUTs it to output_url. Callers
// treat failures as non-fatal.
func (s *Stager) UploadOutput(ctx context.Context, outputURL, outputDir string) error {
	if _, ok := usableURL(outputURL); !ok {
		return nil
	}
	var buf bytes.Buffer
	if err := writeTarGz(&buf, outputDir); err != nil {
		return fmt.Errorf("op=stage.output url=%s: %w", outputURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, outputURL, &buf)
	if err != nil {
		return fmt.Errorf("op=stage.output url=%s: %w", outputURL, err)
	}
	req.Header.Set("Content-Type", "application/gzip")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("op=stage.output url=%s: %w", outputURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=stage.output url=%s: status %d", outputURL, resp.StatusCode)
	}
	return nil
}

func usableURL(raw string) (*url.URL, bool) {
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, false
	}
	return u, true
}

// extractTarGz unpacks a gzipped tarball under dir, rejecting entries that
// would escape it.
func extractTarGz(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer func() { _ = gz.Close() }()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, io.LimitReader(tr, maxStagedBytes))
			cerr := f.Close()
			if err != nil {
				return err
			}
			if cerr != nil {
				return cerr
			}
		default:
			// Symlinks and devices are not staged.
		}
	}
}

func safeJoin(dir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("unsafe archive entry %q", name)
	}
	return filepath.Join(dir, cleaned), nil
}

// writeTarGz archives every regular file under dir with paths relative to
// it.
func writeTarGz(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		cerr := f.Close()
		if err != nil {
			return err
		}
		return cerr
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
