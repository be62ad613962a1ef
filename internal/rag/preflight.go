package rag

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// FileInfo summarizes a document before upload.
type FileInfo struct {
	Size  int64
	Pages int // PDFs only; 0 for other formats
}

// Preflight verifies the file at path is readable before shipping it to
// the sidecar. PDFs are additionally opened to confirm they parse; a
// corrupt PDF fails here instead of poisoning the sidecar's ingest queue.
func Preflight(path string) (FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("reading document: %w", err)
	}
	if st.IsDir() {
		return FileInfo{}, fmt.Errorf("document %s is a directory", path)
	}

	info := FileInfo{Size: st.Size()}

	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		f, r, err := pdf.Open(path)
		if err != nil {
			return FileInfo{}, fmt.Errorf("parsing PDF %s: %w", path, err)
		}
		defer f.Close()
		info.Pages = r.NumPage()
	}

	return info, nil
}
