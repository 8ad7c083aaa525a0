package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/mimisupply/synccore/internal/errors"
	"github.com/mimisupply/synccore/internal/models"
)

// FileBackend stores one self-describing file per record.
// A record with key k lives at baseDir/{category}/{h[0:2]}/{h} where
// h = sha256(k). The file holds a JSON header line followed by the payload.
type FileBackend struct {
	baseDir string
}

// fileHeader is the first line of a record file.
type fileHeader struct {
	Key       string                 `json:"key"`
	Category  models.CacheCategory   `json:"category"`
	Encoding  models.PayloadEncoding `json:"encoding"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Length    int                    `json:"length"`
	Checksum  string                 `json:"checksum"`
}

// NewFileBackend creates a FileBackend rooted at baseDir.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileBackend{baseDir: baseDir}, nil
}

// HashKey returns the SHA-256 of a cache key, used as its file name.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (b *FileBackend) path(category models.CacheCategory, key string) string {
	h := HashKey(key)
	return filepath.Join(b.baseDir, string(category), h[0:2], h)
}

// Write stores the record atomically by writing a temp file and renaming it.
func (b *FileBackend) Write(ctx context.Context, rec models.CacheRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := b.path(rec.Category, rec.Key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	header, err := json.Marshal(fileHeader{
		Key:       rec.Key,
		Category:  rec.Category,
		Encoding:  rec.Encoding,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		Length:    len(rec.Payload),
		Checksum:  checksum(rec.Payload),
	})
	if err != nil {
		return fmt.Errorf("failed to encode record header: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".rec-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	w := bufio.NewWriter(tmp)
	w.Write(header)
	w.WriteByte('\n')
	w.Write(rec.Payload)
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close record: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}

// Read loads a record and verifies its checksum.
func (b *FileBackend) Read(ctx context.Context, category models.CacheCategory, key string) (models.CacheRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.CacheRecord{}, false, err
	}

	data, err := os.ReadFile(b.path(category, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.CacheRecord{}, false, nil
		}
		return models.CacheRecord{}, false, fmt.Errorf("failed to read record: %w", err)
	}

	header, payload, err := splitRecord(data)
	if err != nil {
		return models.CacheRecord{}, true, corrupt(key, err)
	}
	if header.Key != key || header.Category != category {
		return models.CacheRecord{}, true, corrupt(key, fmt.Errorf("header names %s/%s", header.Category, header.Key))
	}
	if len(payload) != header.Length || checksum(payload) != header.Checksum {
		return models.CacheRecord{}, true, corrupt(key, fmt.Errorf("payload checksum mismatch"))
	}

	return models.CacheRecord{
		Key:       header.Key,
		Category:  header.Category,
		Payload:   payload,
		Encoding:  header.Encoding,
		CreatedAt: header.CreatedAt,
		ExpiresAt: header.ExpiresAt,
	}, true, nil
}

func splitRecord(data []byte) (fileHeader, []byte, error) {
	var header fileHeader
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return header, nil, fmt.Errorf("missing header")
	}
	if err := json.Unmarshal(data[:i], &header); err != nil {
		return header, nil, fmt.Errorf("bad header: %w", err)
	}
	return header, data[i+1:], nil
}

func corrupt(key string, err error) error {
	return apperrors.Wrap(apperrors.ErrCacheCorruption, "corrupt cache record "+key, err)
}

// Delete removes a record file and prunes empty directories.
func (b *FileBackend) Delete(ctx context.Context, category models.CacheCategory, key string) error {
	filePath := b.path(category, key)
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete record: %w", err)
	}

	// Empty shard directories are removed; errors mean the directory is still in use.
	os.Remove(filepath.Dir(filePath))
	return nil
}

// List reads the header of every record file. Files without a readable
// header are skipped; Read reports them as corrupt.
func (b *FileBackend) List(ctx context.Context) ([]models.CacheMeta, error) {
	var metas []models.CacheMeta
	err := filepath.WalkDir(b.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || filepath.Base(p)[0] == '.' {
			return nil
		}
		header, err := readHeader(p)
		if err != nil {
			return nil
		}
		metas = append(metas, models.CacheMeta{
			Key:       header.Key,
			Category:  header.Category,
			Size:      int64(len(header.Key) + header.Length),
			CreatedAt: header.CreatedAt,
			ExpiresAt: header.ExpiresAt,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return metas, nil
}

func readHeader(p string) (fileHeader, error) {
	var header fileHeader
	f, err := os.Open(p)
	if err != nil {
		return header, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return header, err
	}
	err = json.Unmarshal(bytes.TrimSuffix(line, []byte("\n")), &header)
	return header, err
}

// Clear removes every record file.
func (b *FileBackend) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(b.baseDir, e.Name())); err != nil {
			return fmt.Errorf("failed to clear %s: %w", e.Name(), err)
		}
	}
	return nil
}
