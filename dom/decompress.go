package dom

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/go-aravis/aravis"
)

// Cameras deliver their GenICam document as plain text, gzipped, or as a
// zip archive holding a single .xml entry. The container is detected by
// leading magic bytes.
var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte{0x50, 0x4b, 0x03, 0x04}
)

// Decompress returns the plain XML text of data regardless of container.
func Decompress(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, zipMagic):
		return unzipSingle(data)
	case bytes.HasPrefix(data, gzipMagic):
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", aravis.ErrParse, err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", aravis.ErrParse, err)
		}
		return out, nil
	default:
		return data, nil
	}
}

func unzipSingle(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: zip: %v", aravis.ErrParse, err)
	}
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: zip entry %s: %v", aravis.ErrParse, f.Name, err)
		}
		defer rc.Close()
		out, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("%w: zip entry %s: %v", aravis.ErrParse, f.Name, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: zip archive holds no xml entry", aravis.ErrParse)
}
