// Package zip bundles generated files into a single archive.
package zip

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"path"
	"time"
)

// Asset is one archive entry.
type Asset struct {
	Filename string
	Data     []byte
}

// ArchiveAssets writes assets into an in-memory zip. Duplicate names are
// suffixed so no entry shadows another.
func ArchiveAssets(assets []Asset, modified time.Time) ([]byte, error) {
	if len(assets) == 0 {
		return nil, errors.New("zip: no assets")
	}
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	seen := make(map[string]int, len(assets))
	for _, asset := range assets {
		name := path.Base(asset.Filename)
		if name == "." || name == "/" || name == "" {
			name = "asset"
		}
		if n := seen[name]; n > 0 {
			ext := path.Ext(name)
			name = fmt.Sprintf("%s_%d%s", name[:len(name)-len(ext)], n, ext)
		}
		seen[path.Base(asset.Filename)]++
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return nil, fmt.Errorf("zip: create %s: %w", name, err)
		}
		if _, err := w.Write(asset.Data); err != nil {
			return nil, fmt.Errorf("zip: write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip: close: %w", err)
	}
	return buf.Bytes(), nil
}
