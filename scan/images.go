// images.go - Filesystem-backed ImageSource
package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledgerlens/session-engine/session"
)

// DirImageSource resolves image refs as file names under a directory.
// Base-names only, so a ref cannot escape the directory.
type DirImageSource struct {
	Dir string
}

func (s DirImageSource) Fetch(_ context.Context, ref session.ImageRef) ([]byte, string, error) {
	name := filepath.Base(string(ref))
	data, err := os.ReadFile(filepath.Join(s.Dir, name))
	if err != nil {
		return nil, "", fmt.Errorf("read image %s: %w", name, err)
	}
	return data, mimeForName(name), nil
}

func mimeForName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".pdf":
		return "application/pdf"
	default:
		return "image/jpeg"
	}
}
