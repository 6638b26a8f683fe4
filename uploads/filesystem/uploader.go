package filesystem

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// URLPrefix is where stored files are served from.
const URLPrefix = "/uploads/"

type Uploader struct {
	basePath string
}

func NewUploader(basePath string) *Uploader {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Fatalf("failed to create upload directory: %v", err)
	}
	return &Uploader{basePath: basePath}
}

func (u *Uploader) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if path.Base(name) != name || name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid upload name %q", name)
	}

	filePath := filepath.Join(u.basePath, name)
	log := logrus.WithFields(logrus.Fields{
		"file_path":    filePath,
		"content_type": contentType,
		"size":         len(data),
	})

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		log.WithError(err).Error("Failed to store upload")
		return "", err
	}

	log.Info("Upload stored successfully")
	return URLPrefix + name, nil
}

// Handler serves stored files; mount it under URLPrefix.
func (u *Uploader) Handler() http.Handler {
	return http.StripPrefix(URLPrefix, http.FileServer(http.Dir(u.basePath)))
}
