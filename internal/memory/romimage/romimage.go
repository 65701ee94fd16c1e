// Package romimage loads N64 cartridge images for the headless host. Images
// may be raw (.z64/.n64/.v64) or wrapped in a zip, 7z, rar, gzip or zstd
// container; the first file with a ROM extension is used. The result is
// always normalized to big-endian (.z64) byte order.
package romimage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	magicZIP  = []byte{0x50, 0x4b, 0x03, 0x04}
	magic7z   = []byte{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c}
	magicGzip = []byte{0x1f, 0x8b}
	magicRAR  = []byte{0x52, 0x61, 0x72, 0x21}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Header words of the first ROM word in each byte order.
const (
	orderBigEndian    = 0x80371240
	orderByteSwapped  = 0x37804012
	orderLittleEndian = 0x40123780
)

// MaxSize bounds extracted images (largest retail cartridge is 64 MiB).
const MaxSize = 64 << 20

var Extensions = []string{".z64", ".n64", ".v64"}

var (
	ErrNoROMFile    = errors.New("no ROM file found in archive")
	ErrUnsupported  = errors.New("unsupported file format")
	ErrTooLarge     = errors.New("file exceeds maximum size limit")
	ErrUnknownOrder = errors.New("unrecognized ROM byte order")
)

type format int

const (
	formatUnknown format = iota
	formatRaw
	formatZIP
	format7z
	formatGzip
	formatRAR
	formatZstd
)

// Load reads the ROM at path and returns big-endian image bytes and the
// base name of the file it came from.
func Load(path string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open rom: %w", err)
	}
	defer f.Close()

	header := make([]byte, 16)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, "", fmt.Errorf("read rom header: %w", err)
	}
	header = header[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", fmt.Errorf("seek rom: %w", err)
	}

	var (
		data []byte
		name string
	)
	switch detect(header, path) {
	case formatRaw:
		data, err = limitedRead(f)
		name = filepath.Base(path)
	case formatZIP:
		data, name, err = fromZIP(path)
	case format7z:
		data, name, err = from7z(path)
	case formatRAR:
		data, name, err = fromRAR(path)
	case formatGzip:
		data, name, err = fromGzip(f, path)
	case formatZstd:
		data, name, err = fromZstd(f, path)
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
	if err != nil {
		return nil, "", err
	}
	if err := Normalize(data); err != nil {
		return nil, "", fmt.Errorf("%s: %w", name, err)
	}
	return data, name, nil
}

func detect(header []byte, path string) format {
	switch {
	case bytes.HasPrefix(header, magicZIP):
		return formatZIP
	case bytes.HasPrefix(header, magicRAR):
		return formatRAR
	case bytes.HasPrefix(header, magic7z):
		return format7z
	case bytes.HasPrefix(header, magicZstd):
		return formatZstd
	case bytes.HasPrefix(header, magicGzip):
		return formatGzip
	}
	if isROMFile(path) {
		return formatRaw
	}
	return formatUnknown
}

// Normalize converts an image to big-endian order in place, based on the
// first header word.
func Normalize(data []byte) error {
	if len(data) < 4 {
		return ErrUnknownOrder
	}
	word := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	switch word {
	case orderBigEndian:
		return nil
	case orderByteSwapped:
		for i := 0; i+1 < len(data); i += 2 {
			data[i], data[i+1] = data[i+1], data[i]
		}
		return nil
	case orderLittleEndian:
		for i := 0; i+3 < len(data); i += 4 {
			data[i], data[i+1], data[i+2], data[i+3] = data[i+3], data[i+2], data[i+1], data[i]
		}
		return nil
	}
	return fmt.Errorf("%w: %#08x", ErrUnknownOrder, word)
}

func isROMFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range Extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func limitedRead(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

func trimExt(name, ext string) string {
	if strings.HasSuffix(strings.ToLower(name), ext) {
		return name[:len(name)-len(ext)]
	}
	return name
}
