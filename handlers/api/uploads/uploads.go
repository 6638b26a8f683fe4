package uploads

import (
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-chi/render"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"slidesync-server/core"
)

const maxUploadSize = 10 << 20

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

type UploadResponse struct {
	URL string `json:"url"`
}

// objectName builds "<elementId>-<ulid><ext>" for an uploaded file.
func objectName(elementID, filename string) string {
	prefix := unsafeName.ReplaceAllString(elementID, "")
	if prefix == "" {
		prefix = "upload"
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if unsafeName.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	return prefix + "-" + ulid.Make().String() + ext
}

func HandleUploadImage(uploader core.Uploader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			logrus.WithField("error", err).Warn("Failed to parse upload form")
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "No file uploaded"})
			return
		}

		file, header, err := r.FormFile("image")
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "No file uploaded"})
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to read uploaded file")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to read uploaded file"})
			return
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}

		name := objectName(r.FormValue("elementId"), header.Filename)
		url, err := uploader.Upload(r.Context(), name, contentType, data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err,
				"name":  name,
			}).Error("Failed to store upload")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to upload file"})
			return
		}

		render.JSON(w, r, UploadResponse{URL: url})
	}
}
