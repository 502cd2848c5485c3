package symbolizer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// maxMappingSize bounds a decompressed mapping file.
const maxMappingSize = 1 << 30

// decompress checks if data is compressed and decompresses it if needed
func decompress(data []byte) ([]byte, string, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("create gzip reader: %w", err)
		}
		defer r.Close()

		decompressed, err := readAll(r)
		if err != nil {
			return nil, "", fmt.Errorf("decompress gzip data: %w", err)
		}

		return decompressed, "gzip", nil
	}

	// Check for zstd (magic bytes: 0x28, 0xb5, 0x2f, 0xfd)
	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd {
		r, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, "", fmt.Errorf("create zstd reader: %w", err)
		}
		defer r.Close()

		decompressed, err := readAll(r)
		if err != nil {
			return nil, "", fmt.Errorf("decompress zstd data: %w", err)
		}

		return decompressed, "zstd", nil
	}

	return data, "none", nil
}

func readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxMappingSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxMappingSize {
		return nil, fmt.Errorf("mapping exceeds %d bytes", maxMappingSize)
	}
	return data, nil
}

// Decompress returns the content of a mapping file, which may be gzip or
// zstd compressed.
func Decompress(r io.Reader) ([]byte, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	data, _, err = decompress(data)
	return data, err
}
