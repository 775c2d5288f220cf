// Package fileserver stores chat attachments on local disk, gzip-compressed,
// under random names, and serves them back.
package fileserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/auditmarket/chat/internal/logger"
)

var (
	ErrBlockedType     = errors.New("file type not allowed")
	ErrContentMismatch = errors.New("file content does not match type")
	ErrNotFound        = errors.New("file not found")
)

// BlockedExt lists executable and script extensions that are never stored.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true, ".msi": true, ".ps1": true,
}

var imageExt = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true,
}

// Stored describes a saved upload.
type Stored struct {
	Name        string
	DisplayName string
	Size        int64
	ContentType string
	Image       bool
}

type Service struct {
	UploadDir string
}

func New(uploadDir string) *Service {
	return &Service{UploadDir: uploadDir}
}

// Save validates and stores r under a fresh name.
func (s *Service) Save(ctx context.Context, filename string, r io.Reader) (*Stored, error) {
	// some clients encode spaces in multipart file names as '+'
	rawFilename := strings.ReplaceAll(filename, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawFilename))
	if BlockedExt[ext] {
		return nil, ErrBlockedType
	}

	head := make([]byte, 512)
	n, err := io.ReadAtLeast(r, head, len(head))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("fileserver.Save read: %w", err)
	}
	head = head[:n]
	if !matchMagic(ext, head) {
		return nil, ErrContentMismatch
	}

	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("fileserver.Save mkdir: %w", err)
	}
	newName := uuid.New().String() + ext
	dstPath := filepath.Join(s.UploadDir, newName+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("fileserver.Save create: %w", err)
	}

	gz := gzip.NewWriter(dst)
	size, err := writeAll(ctx, gz, head, r)
	if err == nil {
		err = gz.Close()
	} else {
		gz.Close()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dstPath)
		return nil, fmt.Errorf("fileserver.Save: %w", err)
	}

	displayName := safeFilename(filepath.Base(rawFilename))
	if displayName == "" || displayName == "." {
		displayName = newName
	}
	ct := contentTypeByExt(ext)
	if ct == "" {
		ct = "application/octet-stream"
	}
	logger.Debugf("fileserver saved %s (%d bytes)", newName, size)
	return &Stored{
		Name:        newName,
		DisplayName: displayName,
		Size:        size,
		ContentType: ct,
		Image:       imageExt[ext],
	}, nil
}

func writeAll(ctx context.Context, w io.Writer, head []byte, r io.Reader) (int64, error) {
	n, err := w.Write(head)
	if err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	rest, err := copyWithContext(ctx, w, r)
	return int64(n) + rest, err
}

// Open returns the decompressed content of name. Plain files left by older
// deployments are served as is.
func (s *Service) Open(name string) (io.ReadCloser, error) {
	name = filepath.Base(name)
	if name == "." || name == "/" {
		return nil, ErrNotFound
	}
	if f, err := os.Open(filepath.Join(s.UploadDir, name+".gz")); err == nil {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("fileserver.Open %s: %w", name, err)
		}
		return &gzipFile{Reader: gz, f: f}, nil
	}
	f, err := os.Open(filepath.Join(s.UploadDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fileserver.Open %s: %w", name, err)
	}
	return f, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	g.Reader.Close()
	return g.f.Close()
}

// Serve writes name to w. ?name= sets the download file name.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, name string) {
	rc, err := s.Open(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, `{"error":"file not found"}`, http.StatusNotFound)
			return
		}
		logger.Errorf("fileserver serve %s: %v", name, err)
		http.Error(w, `{"error":"failed to read file"}`, http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	if ct := contentTypeByExt(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if orig := r.URL.Query().Get("name"); orig != "" {
		if safe := safeFilename(strings.ReplaceAll(orig, "+", " ")); safe != "" {
			disp := "attachment; filename*=UTF-8''" + url.PathEscape(safe)
			if ascii := asciiFallbackFilename(safe); ascii == safe {
				disp = "attachment; filename=\"" + ascii + "\"; " + disp
			}
			w.Header().Set("Content-Disposition", disp)
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logger.Debugf("fileserver serve %s: %v", name, err)
	}
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".heic":
		return len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")) &&
			(bytes.Equal(head[8:12], []byte("heic")) || bytes.Equal(head[8:12], []byte("heix")) || bytes.Equal(head[8:12], []byte("mif1")))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".doc":
		return len(head) >= 4 && head[0] == 0xD0 && head[1] == 0xCF && head[2] == 0x11 && head[3] == 0xE0
	case ".docx", ".xlsx", ".zip":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05) && head[3] == 0x04
	}
	return true
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".zip":
		return "application/zip"
	case ".txt", ".md", ".sol":
		return "text/plain; charset=utf-8"
	}
	return ""
}

// safeFilename drops control characters, quotes and path separators. UTF-8 is kept.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// asciiFallbackFilename replaces everything outside [A-Za-z0-9._-] with '_'.
func asciiFallbackFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}
