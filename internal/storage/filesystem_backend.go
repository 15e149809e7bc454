package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const backendFS = "FS"

// FilesystemBackend stores attachments under basePath/YYYY/MM/DD/<followup-id>/.
type FilesystemBackend struct {
	basePath string
	dirPerms os.FileMode
	now      func() time.Time
}

type fileMetadata struct {
	FollowUpID  int               `json:"followup_id"`
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	FileSize    int64             `json:"file_size"`
	Checksum    string            `json:"checksum"`
	CreatedTime time.Time         `json:"created_time"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewFilesystemBackend creates a new filesystem storage backend. A zero
// dirPerms uses 0755.
func NewFilesystemBackend(basePath string, dirPerms os.FileMode) (*FilesystemBackend, error) {
	if dirPerms == 0 {
		dirPerms = 0o755
	}
	if err := os.MkdirAll(basePath, dirPerms); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &FilesystemBackend{
		basePath: basePath,
		dirPerms: dirPerms,
		now:      time.Now,
	}, nil
}

// Store writes the content and a .meta sidecar next to it.
func (f *FilesystemBackend) Store(ctx context.Context, followUpID int, content *Content) (*Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if content == nil {
		return nil, errors.New("storage: nil content")
	}

	hash := sha256.Sum256(content.Data)
	checksum := hex.EncodeToString(hash[:])

	created := content.CreatedTime
	if created.IsZero() {
		created = f.now()
	}

	dirPath := f.followUpPath(followUpID, created)
	if err := os.MkdirAll(dirPath, f.dirPerms); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	filename := SafeFileName(content.FileName)
	filePath := filepath.Join(dirPath, filename)
	if err := os.WriteFile(filePath, content.Data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	meta := fileMetadata{
		FollowUpID:  followUpID,
		FileName:    filename,
		ContentType: content.ContentType,
		FileSize:    int64(len(content.Data)),
		Checksum:    checksum,
		CreatedTime: created,
		Metadata:    content.Metadata,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(filePath)
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filePath+".meta", metaJSON, 0o644); err != nil {
		_ = os.Remove(filePath)
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	return &Reference{
		FollowUpID:  followUpID,
		Backend:     backendFS,
		Location:    filePath,
		ContentType: content.ContentType,
		FileName:    filename,
		FileSize:    meta.FileSize,
		Checksum:    checksum,
		CreatedTime: created,
	}, nil
}

// Retrieve reads the content back and verifies the checksum when one is known.
func (f *FilesystemBackend) Retrieve(ctx context.Context, ref *Reference) (*Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ref.Location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Location)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if ref.Checksum != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != ref.Checksum {
			return nil, fmt.Errorf("checksum mismatch for %s", ref.Location)
		}
	}

	content := &Content{
		FileName:    ref.FileName,
		ContentType: ref.ContentType,
		Data:        data,
		CreatedTime: ref.CreatedTime,
	}
	if raw, err := os.ReadFile(ref.Location + ".meta"); err == nil {
		var meta fileMetadata
		if json.Unmarshal(raw, &meta) == nil {
			content.Metadata = meta.Metadata
			if content.ContentType == "" {
				content.ContentType = meta.ContentType
			}
		}
	}
	return content, nil
}

// Delete removes the file, its sidecar and the follow-up directory once empty.
func (f *FilesystemBackend) Delete(_ context.Context, ref *Reference) error {
	if err := os.Remove(ref.Location); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	_ = os.Remove(ref.Location + ".meta")
	_ = os.Remove(filepath.Dir(ref.Location)) // only succeeds when empty
	return nil
}

// Exists checks if attachment content exists on the filesystem
func (f *FilesystemBackend) Exists(_ context.Context, ref *Reference) (bool, error) {
	_, err := os.Stat(ref.Location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HealthCheck verifies the filesystem is accessible
func (f *FilesystemBackend) HealthCheck(_ context.Context) error {
	testFile := filepath.Join(f.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("filesystem not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("filesystem cleanup failed: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) followUpPath(followUpID int, t time.Time) string {
	return filepath.Join(f.basePath, t.Format("2006"), t.Format("01"), t.Format("02"), fmt.Sprintf("%d", followUpID))
}

// SafeFileName strips directory components and characters that are unsafe
// in a path segment.
func SafeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case strings.ContainsRune(`/:*?"<>|`, r):
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "attachment"
	}
	return name
}
