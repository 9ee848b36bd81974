package media

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrFileTooLarge is returned for uploads above the size ceiling
	ErrFileTooLarge = errors.New("file too large")
	// ErrUnsupportedType is returned for extensions or MIME types outside the allow-list
	ErrUnsupportedType = errors.New("invalid file type")
)

// allowedTypes maps each accepted extension to the MIME types it may carry
var allowedTypes = map[string][]string{
	".jpeg": {"image/jpeg"},
	".jpg":  {"image/jpeg"},
	".png":  {"image/png"},
	".gif":  {"image/gif"},
	".mp4":  {"video/mp4"},
	".mp3":  {"audio/mpeg", "audio/mp3"},
	".wav":  {"audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave"},
	".pdf":  {"application/pdf"},
	".doc":  {"application/msword"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
}

// Uploads validates and stores media attachments
type Uploads struct {
	dir      string
	maxBytes int64
}

// NewUploads creates an upload store rooted at dir
func NewUploads(dir string, maxBytes int64) *Uploads {
	return &Uploads{dir: dir, maxBytes: maxBytes}
}

// Dir returns the directory uploads are written to
func (u *Uploads) Dir() string {
	return u.dir
}

// MaxBytes returns the size ceiling
func (u *Uploads) MaxBytes() int64 {
	return u.maxBytes
}

// Validate checks an attachment against the size ceiling and the allow-list.
// An empty or generic content type is replaced by the sniffed one.
func (u *Uploads) Validate(filename, contentType string, size int64, head []byte) error {
	if size > u.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, size, u.maxBytes)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	accepted, ok := allowedTypes[ext]
	if !ok {
		return fmt.Errorf("%w: extension %q", ErrUnsupportedType, ext)
	}

	declared := ""
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			declared = mt
		}
	}
	if declared == "" || declared == "application/octet-stream" {
		declared, _, _ = mime.ParseMediaType(http.DetectContentType(head))
	}

	for _, t := range accepted {
		if declared == t {
			return nil
		}
	}
	return fmt.Errorf("%w: %q does not match %q", ErrUnsupportedType, declared, ext)
}

// Save writes r under a fresh uuid name, keeping the extension, and returns
// the stored path
func (u *Uploads) Save(filename string, r io.Reader) (string, error) {
	if err := os.MkdirAll(u.dir, 0755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	path := filepath.Join(u.dir, uuid.NewString()+strings.ToLower(filepath.Ext(filename)))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, u.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > u.maxBytes {
		err = fmt.Errorf("%w: exceeds %d bytes", ErrFileTooLarge, u.maxBytes)
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// SaveFile validates a multipart attachment and stores it
func (u *Uploads) SaveFile(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]

	if err := u.Validate(fh.Filename, fh.Header.Get("Content-Type"), fh.Size, head); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind upload: %w", err)
	}
	return u.Save(fh.Filename, f)
}
