package romimage

import (
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"path/filepath"

	"github.com/bodgit/sevenzip"
	"github.com/klauspost/compress/zstd"
	"github.com/nwaples/rardecode/v2"
)

func fromZIP(path string) ([]byte, string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, "", fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !isROMFile(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("open %s in zip: %w", f.Name, err)
		}
		defer rc.Close()
		data, err := limitedRead(rc)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", f.Name, err)
		}
		return data, filepath.Base(f.Name), nil
	}
	return nil, "", ErrNoROMFile
}

func from7z(path string) ([]byte, string, error) {
	r, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, "", fmt.Errorf("open 7z: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !isROMFile(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("open %s in 7z: %w", f.Name, err)
		}
		defer rc.Close()
		data, err := limitedRead(rc)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", f.Name, err)
		}
		return data, filepath.Base(f.Name), nil
	}
	return nil, "", ErrNoROMFile
}

func fromRAR(path string) ([]byte, string, error) {
	r, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, "", fmt.Errorf("open rar: %w", err)
	}
	defer r.Close()

	for {
		h, err := r.Next()
		if err == io.EOF {
			return nil, "", ErrNoROMFile
		}
		if err != nil {
			return nil, "", fmt.Errorf("read rar entry: %w", err)
		}
		if h.IsDir || !isROMFile(h.Name) {
			continue
		}
		data, err := limitedRead(r)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", h.Name, err)
		}
		return data, filepath.Base(h.Name), nil
	}
}

// fromGzip handles a single gzip-compressed image.
func fromGzip(r io.Reader, path string) ([]byte, string, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("open gzip: %w", err)
	}
	defer gr.Close()
	data, err := limitedRead(gr)
	if err != nil {
		return nil, "", fmt.Errorf("decompress gzip: %w", err)
	}
	return data, trimExt(filepath.Base(path), ".gz"), nil
}

func fromZstd(r io.Reader, path string) ([]byte, string, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("open zstd: %w", err)
	}
	defer zr.Close()
	data, err := limitedRead(zr)
	if err != nil {
		return nil, "", fmt.Errorf("decompress zstd: %w", err)
	}
	return data, trimExt(filepath.Base(path), ".zst"), nil
}
