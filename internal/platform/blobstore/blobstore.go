// Package blobstore stores documents attached to shared records. Content is
// streamed to an afero filesystem (the OS in production, memory in tests)
// with a JSON metadata sidecar per blob.
package blobstore

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// DefaultMaxFileSize applies when a store is created with a non-positive limit.
const DefaultMaxFileSize = 25 << 20

// AllowedContentTypes lists the document types a record may carry.
var AllowedContentTypes = map[string]bool{
	"application/pdf":       true,
	"application/dicom":     true,
	"image/png":             true,
	"image/jpeg":            true,
	"image/dicom":           true,
	"text/plain":            true,
	"application/fhir+json": true,
	"application/json":      true,
}

type Metadata struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	Hash        string    `json:"sha256"`
	PatientPHN  string    `json:"patientPHN,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type BlobStore interface {
	Put(ctx context.Context, meta Metadata, content io.Reader) (*Metadata, error)
	Open(ctx context.Context, id string) (io.ReadCloser, *Metadata, error)
	Stat(ctx context.Context, id string) (*Metadata, error)
	Delete(ctx context.Context, id string) error
}

// FSStore lays blobs out as <root>/<id[:2]>/<id> plus <id>.json.
type FSStore struct {
	fs      afero.Fs
	root    string
	maxSize int64
	now     func() time.Time
}

func NewFSStore(fs afero.Fs, root string, maxSize int64) *FSStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &FSStore{fs: fs, root: root, maxSize: maxSize, now: time.Now}
}

// NewOSStore stores blobs under dir on the local disk.
func NewOSStore(dir string, maxSize int64) (*FSStore, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", dir, err)
	}
	return NewFSStore(fs, dir, maxSize), nil
}

// NewMemoryStore is an FSStore over an in-memory filesystem.
func NewMemoryStore(maxSize int64) *FSStore {
	return NewFSStore(afero.NewMemMapFs(), "/blobs", maxSize)
}

func (s *FSStore) paths(id string) (dir, data, meta string, err error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", "", "", ErrBlobNotFound
	}
	dir = path.Join(s.root, id[:2])
	return dir, path.Join(dir, id), path.Join(dir, id+".json"), nil
}

// Put streams content to disk while hashing it. Nothing is buffered beyond
// the 512 bytes needed to sniff an unspecified content type.
func (s *FSStore) Put(ctx context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
	meta.FileName = path.Base(strings.ReplaceAll(meta.FileName, `\`, "/"))
	if meta.FileName == "" || meta.FileName == "." || meta.FileName == "/" {
		return nil, ErrMissingFileName
	}

	br := bufio.NewReaderSize(content, 512)
	ct := strings.TrimSpace(strings.Split(meta.ContentType, ";")[0])
	if ct == "" || ct == "application/octet-stream" {
		head, _ := br.Peek(512)
		ct = strings.Split(http.DetectContentType(head), ";")[0]
	}
	if !AllowedContentTypes[ct] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContentType, ct)
	}
	meta.ContentType = ct

	meta.ID = uuid.New().String()
	dir, dataPath, metaPath, err := s.paths(meta.ID)
	if err != nil {
		return nil, err
	}
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	tmp := dataPath + ".part"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create blob file: %w", err)
	}

	h := sha256.New()
	n, copyErr := io.Copy(f, io.TeeReader(io.LimitReader(ctxReader{ctx, br}, s.maxSize+1), h))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		_ = s.fs.Remove(tmp)
		return nil, fmt.Errorf("write blob: %w", copyErr)
	case closeErr != nil:
		_ = s.fs.Remove(tmp)
		return nil, fmt.Errorf("close blob: %w", closeErr)
	case n > s.maxSize:
		_ = s.fs.Remove(tmp)
		return nil, ErrFileTooLarge
	}

	meta.Size = n
	meta.Hash = hex.EncodeToString(h.Sum(nil))
	meta.CreatedAt = s.now().UTC()

	raw, err := json.Marshal(meta)
	if err != nil {
		_ = s.fs.Remove(tmp)
		return nil, fmt.Errorf("encode blob metadata: %w", err)
	}
	if err := afero.WriteFile(s.fs, metaPath, raw, 0o640); err != nil {
		_ = s.fs.Remove(tmp)
		return nil, fmt.Errorf("write blob metadata: %w", err)
	}
	if err := s.fs.Rename(tmp, dataPath); err != nil {
		_ = s.fs.Remove(tmp)
		_ = s.fs.Remove(metaPath)
		return nil, fmt.Errorf("commit blob: %w", err)
	}

	out := meta
	return &out, nil
}

func (s *FSStore) Stat(_ context.Context, id string) (*Metadata, error) {
	_, dataPath, metaPath, err := s.paths(id)
	if err != nil {
		return nil, err
	}
	if ok, _ := afero.Exists(s.fs, dataPath); !ok {
		return nil, ErrBlobNotFound
	}
	raw, err := afero.ReadFile(s.fs, metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("read blob metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode blob metadata: %w", err)
	}
	return &meta, nil
}

func (s *FSStore) Open(ctx context.Context, id string) (io.ReadCloser, *Metadata, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	_, dataPath, _, _ := s.paths(id)
	f, err := s.fs.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}
	return f, meta, nil
}

func (s *FSStore) Delete(_ context.Context, id string) error {
	_, dataPath, metaPath, err := s.paths(id)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(dataPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("delete blob: %w", err)
	}
	if err := s.fs.Remove(metaPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob metadata: %w", err)
	}
	return nil
}

// ctxReader stops a long upload copy once the request is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
