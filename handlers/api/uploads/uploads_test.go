package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
)

type mockUploader struct {
	name        string
	contentType string
	data        []byte
	err         error
}

func (m *mockUploader) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.name, m.contentType, m.data = name, contentType, data
	return "/uploads/" + name, nil
}

func multipartRequest(t *testing.T, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() failed: %v", err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("image", filename)
		if err != nil {
			t.Fatalf("CreateFormFile() failed: %v", err)
		}
		fw.Write(content)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload-image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleUploadImage_Success(t *testing.T) {
	uploader := &mockUploader{}
	req := multipartRequest(t, map[string]string{"elementId": "42"}, "Photo.PNG", []byte("\x89PNG"))
	w := httptest.NewRecorder()
	HandleUploadImage(uploader).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if !regexp.MustCompile(`^42-[0-9A-Z]{26}\.png$`).MatchString(uploader.name) {
		t.Errorf("unexpected object name %q", uploader.name)
	}
	if string(uploader.data) != "\x89PNG" {
		t.Errorf("unexpected data %q", uploader.data)
	}

	var resp UploadResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.URL != "/uploads/"+uploader.name {
		t.Errorf("unexpected url %q", resp.URL)
	}
}

func TestHandleUploadImage_NoFile(t *testing.T) {
	req := multipartRequest(t, map[string]string{"elementId": "42"}, "", nil)
	w := httptest.NewRecorder()
	HandleUploadImage(&mockUploader{}).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestHandleUploadImage_UploaderError(t *testing.T) {
	req := multipartRequest(t, nil, "a.png", []byte("x"))
	w := httptest.NewRecorder()
	HandleUploadImage(&mockUploader{err: errors.New("bucket missing")}).ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestObjectName(t *testing.T) {
	tests := []struct {
		elementID string
		filename  string
		pattern   string
	}{
		{"7", "a.jpg", `^7-[0-9A-Z]{26}\.jpg$`},
		{"", "a.gif", `^upload-[0-9A-Z]{26}\.gif$`},
		{"../../etc", "passwd", `^etc-[0-9A-Z]{26}$`},
		{"9", "weird.p/ng", `^9-[0-9A-Z]{26}$`},
	}

	for _, tt := range tests {
		got := objectName(tt.elementID, tt.filename)
		if !regexp.MustCompile(tt.pattern).MatchString(got) {
			t.Errorf("objectName(%q, %q) = %q", tt.elementID, tt.filename, got)
		}
	}
}
