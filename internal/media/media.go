// Package media handles attachment plumbing shared by every channel:
// size-capped downloads, archiving into a dated inbound tree, retention
// pruning, multipart uploads and media-kind classification.
package media

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ErrSizeLimit is returned when a download would exceed the configured
// byte cap, either by declared Content-Length or by counted body bytes.
var ErrSizeLimit = errors.New("media: size limit exceeded")

// Kind is the platform-facing media category.
type Kind string

const (
	KindImage Kind = "image"
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

const (
	DefaultDownloadTimeout = 120 * time.Second
	DefaultUploadTimeout   = 60 * time.Second
)

// Service is the shared media helper. Zero-value timeouts fall back to
// the defaults above.
type Service struct {
	TempRoot        string
	InboundRoot     string
	MaxBytes        int64
	KeepDays        int
	DownloadTimeout time.Duration
	UploadTimeout   time.Duration
	Client          *resty.Client
	Log             zerolog.Logger
}

func (s *Service) client() *resty.Client {
	if s.Client != nil {
		return s.Client
	}
	s.Client = resty.New()
	return s.Client
}

// DownloadRequest describes one fetch.
type DownloadRequest struct {
	URL      string
	Prefix   string
	Filename string            // caller-supplied name, first choice for the extension
	Header   map[string]string // extra request headers (auth etc.)
	// Decrypt, when set, is applied to the full body before writing.
	// Used for WeCom callback media, which arrives AES-encrypted.
	Decrypt func([]byte) ([]byte, error)
}

// Download fetches req.URL to a file under TempRoot and returns the path
// and byte count of the written file. The body is never read past
// MaxBytes.
func (s *Service) Download(ctx context.Context, req DownloadRequest) (string, int64, error) {
	timeout := s.DownloadTimeout
	if timeout == 0 {
		timeout = DefaultDownloadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := s.client().R().SetContext(ctx).SetDoNotParseResponse(true)
	for k, v := range req.Header {
		r.SetHeader(k, v)
	}
	resp, err := r.Get(req.URL)
	if err != nil {
		return "", 0, fmt.Errorf("media: download %s: %w", req.URL, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return "", 0, fmt.Errorf("media: download %s: status %s", req.URL, resp.Status())
	}
	if s.MaxBytes > 0 && resp.RawResponse.ContentLength > s.MaxBytes {
		return "", 0, fmt.Errorf("media: declared length %d: %w", resp.RawResponse.ContentLength, ErrSizeLimit)
	}

	ext := s.resolveExt(req.Filename, resp.Header())
	name := fmt.Sprintf("%s_%d_%s%s", orDefault(req.Prefix, "media"), time.Now().UnixMilli(), randHex(4), ext)
	dst := filepath.Join(s.TempRoot, name)
	if err := os.MkdirAll(s.TempRoot, 0o755); err != nil {
		return "", 0, fmt.Errorf("media: temp root: %w", err)
	}

	n, err := s.writeBody(dst, body, req.Decrypt)
	if err != nil {
		return "", 0, err
	}
	s.Log.Debug().Str("path", dst).Int64("bytes", n).Msg("media downloaded")
	return dst, n, nil
}

func (s *Service) writeBody(dst string, body io.Reader, decrypt func([]byte) ([]byte, error)) (int64, error) {
	counted := &countingReader{r: body, limit: s.MaxBytes}

	part := dst + ".part"
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("media: create temp: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(part)
	}

	var written int64
	if decrypt != nil {
		// Decryption needs the whole blob.
		raw, err := io.ReadAll(counted)
		if err != nil {
			cleanup()
			return 0, err
		}
		plain, err := decrypt(raw)
		if err != nil {
			cleanup()
			return 0, fmt.Errorf("media: decrypt body: %w", err)
		}
		if _, err := f.Write(plain); err != nil {
			cleanup()
			return 0, fmt.Errorf("media: write: %w", err)
		}
		written = int64(len(plain))
	} else {
		written, err = io.Copy(f, counted)
		if err != nil {
			cleanup()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("media: close temp: %w", err)
	}
	if err := os.Rename(part, dst); err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("media: finalize: %w", err)
	}
	return written, nil
}

// Store writes a body handed over by an SDK (no URL to fetch) under
// TempRoot, using the same naming scheme as Download.
func (s *Service) Store(body io.Reader, prefix, filename string) (string, int64, error) {
	ext := s.resolveExt(filename, http.Header{})
	name := fmt.Sprintf("%s_%d_%s%s", orDefault(prefix, "media"), time.Now().UnixMilli(), randHex(4), ext)
	dst := filepath.Join(s.TempRoot, name)
	if err := os.MkdirAll(s.TempRoot, 0o755); err != nil {
		return "", 0, fmt.Errorf("media: temp root: %w", err)
	}
	n, err := s.writeBody(dst, body, nil)
	if err != nil {
		return "", 0, err
	}
	return dst, n, nil
}

// Ref is the stable reference token spliced into a message body once a
// file is archived, e.g. "[image] saved:/data/inbound/2026-08-25/x.png".
func Ref(kind Kind, path string) string {
	return fmt.Sprintf("[%s] saved:%s", kind, path)
}

type countingReader struct {
	r     io.Reader
	limit int64
	n     int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.limit > 0 && c.n > c.limit {
		return n, fmt.Errorf("media: body exceeds %d bytes: %w", c.limit, ErrSizeLimit)
	}
	return n, err
}

// Archive moves a temp-root file into <InboundRoot>/YYYY-MM-DD/ and
// returns the new path. Paths outside the temp root are returned as-is.
// When the move fails the temp file is removed best-effort and the temp
// path is returned with the error.
func (s *Service) Archive(path string) (string, error) {
	absTemp, err := filepath.Abs(s.TempRoot)
	if err != nil {
		return path, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path, err
	}
	if !strings.HasPrefix(absPath, absTemp+string(filepath.Separator)) {
		return path, nil
	}

	day := time.Now().Format("2006-01-02")
	dir := filepath.Join(s.InboundRoot, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		os.Remove(absPath)
		return path, fmt.Errorf("media: archive dir: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(absPath))
	if err := os.Rename(absPath, dst); err != nil {
		if cpErr := copyFile(absPath, dst); cpErr != nil {
			os.Remove(absPath)
			return path, fmt.Errorf("media: archive move: %w", err)
		}
		os.Remove(absPath)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// Prune removes archived files older than KeepDays from date-named
// directories under InboundRoot. Entries that are not date-named are
// left alone.
func (s *Service) Prune(now time.Time) error {
	if s.KeepDays <= 0 {
		return nil
	}
	cutoff := now.Add(-time.Duration(s.KeepDays) * 24 * time.Hour)

	entries, err := os.ReadDir(s.InboundRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse("2006-01-02", e.Name()); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(s.InboundRoot, e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		removed := 0
		for _, f := range files {
			fi, err := f.Info()
			if err != nil || fi.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, f.Name())); err == nil {
				removed++
			}
		}
		if removed == len(files) {
			os.Remove(dir)
		}
		if removed > 0 {
			s.Log.Info().Str("dir", dir).Int("files", removed).Msg("pruned archived media")
		}
	}
	return nil
}

// UploadRequest describes one multipart upload.
type UploadRequest struct {
	URL        string // endpoint without the token parameter
	Token      string
	TokenParam string // defaults to "access_token"
	FieldName  string // defaults to "media"
	FilePath   string
	Query      map[string]string // extra query params, e.g. type=voice
}

type uploadResult struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
	MediaID string `json:"media_id"`
}

// Upload posts the file as multipart/form-data and returns the
// platform's media_id. The multipart boundary is unique per request.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (string, error) {
	timeout := s.UploadTimeout
	if timeout == 0 {
		timeout = DefaultUploadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := s.client().R().
		SetContext(ctx).
		SetQueryParam(orDefault(req.TokenParam, "access_token"), req.Token).
		SetFile(orDefault(req.FieldName, "media"), req.FilePath)
	for k, v := range req.Query {
		r.SetQueryParam(k, v)
	}
	resp, err := r.Post(req.URL)
	if err != nil {
		return "", fmt.Errorf("media: upload: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("media: upload: status %s", resp.Status())
	}
	var out uploadResult
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("media: upload response: %w", err)
	}
	if out.ErrCode != 0 {
		return "", fmt.Errorf("media: upload: errcode %d: %s", out.ErrCode, out.ErrMsg)
	}
	if out.MediaID == "" {
		return "", errors.New("media: upload: empty media_id")
	}
	return out.MediaID, nil
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".wmv": true,
}

// Classify maps a filename (and optional caller-declared MIME) to the
// platform media kind. SVG goes out as a file since the platforms do not
// render it inline. wav/mp3 count as voice only when the account has
// transcoding enabled; otherwise they are files.
func Classify(filename, mimeType string, voiceTranscode bool) Kind {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" && mimeType != "" {
		ext = extFromMIME(mimeType)
	}
	switch {
	case ext == ".svg":
		return KindFile
	case imageExts[ext]:
		return KindImage
	case ext == ".amr" || ext == ".silk" || ext == ".speex":
		return KindVoice
	case ext == ".wav" || ext == ".mp3":
		if voiceTranscode {
			return KindVoice
		}
		return KindFile
	case videoExts[ext]:
		return KindVideo
	default:
		return KindFile
	}
}

var mimeExts = map[string]string{
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/gif":        ".gif",
	"image/webp":       ".webp",
	"image/bmp":        ".bmp",
	"image/svg+xml":    ".svg",
	"audio/amr":        ".amr",
	"audio/mpeg":       ".mp3",
	"audio/mp3":        ".mp3",
	"audio/wav":        ".wav",
	"audio/x-wav":      ".wav",
	"video/mp4":        ".mp4",
	"video/quicktime":  ".mov",
	"application/pdf":  ".pdf",
	"application/zip":  ".zip",
	"text/plain":       ".txt",
	"application/json": ".json",
}

func extFromMIME(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ""
	}
	return mimeExts[mt]
}

// resolveExt picks the file extension: caller filename, then
// Content-Disposition (percent-decoded), then the Content-Type table,
// then .bin.
func (s *Service) resolveExt(filename string, hdr http.Header) string {
	if ext := filepath.Ext(filename); ext != "" {
		return ext
	}
	if name := dispositionFilename(hdr.Get("Content-Disposition")); name != "" {
		if ext := filepath.Ext(name); ext != "" {
			return ext
		}
	}
	if ext := extFromMIME(hdr.Get("Content-Type")); ext != "" {
		return ext
	}
	return ".bin"
}

func dispositionFilename(cd string) string {
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if decoded, err := url.QueryUnescape(name); err == nil {
		name = decoded
	}
	return name
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
