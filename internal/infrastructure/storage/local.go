package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	pendingDir = "pending"
	archiveDir = "archive"
)

// ErrUploadNotFound is returned when a pending upload is missing
var ErrUploadNotFound = errors.New("pending upload not found")

// LocalStorage keeps pending async uploads and the raw-file archive on
// the local filesystem
type LocalStorage struct {
	basePath string
	logger   *slog.Logger
}

// LocalStorageConfig for local storage
type LocalStorageConfig struct {
	BasePath string // Base directory, e.g. "/var/lib/settlements"
}

// FileMetadata contains information about stored files
type FileMetadata struct {
	ID           string
	OriginalName string
	StoredPath   string
	Size         int64
	Hash         string
	ContentType  string
	CreatedAt    time.Time
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(cfg *LocalStorageConfig, logger *slog.Logger) (*LocalStorage, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("storage base path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalStorage{
		basePath: cfg.BasePath,
		logger:   logger,
	}, nil
}

// SaveUpload stores an upload waiting for a worker and returns its metadata
func (s *LocalStorage) SaveUpload(ctx context.Context, uploadID string, filename string, reader io.Reader) (*FileMetadata, error) {
	uploadDir, err := s.scopedDir(pendingDir, uploadID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	safeName := sanitizeName(filename)
	destPath := filepath.Join(uploadDir, safeName)

	destFile, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create destination file: %w", err)
	}
	defer destFile.Close()

	// Calculate hash while copying
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(destFile, hash), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to copy file: %w", err)
	}

	metadata := &FileMetadata{
		ID:           uploadID,
		OriginalName: filename,
		StoredPath:   destPath,
		Size:         size,
		Hash:         hex.EncodeToString(hash.Sum(nil)),
		ContentType:  getContentType(filename),
		CreatedAt:    time.Now().UTC(),
	}

	s.logger.Info("pending upload stored",
		slog.String("upload_id", uploadID),
		slog.String("filename", safeName),
		slog.Int64("size", size))

	return metadata, nil
}

// ReadUpload loads a pending upload
func (s *LocalStorage) ReadUpload(ctx context.Context, uploadID string, filename string) ([]byte, error) {
	uploadDir, err := s.scopedDir(pendingDir, uploadID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(uploadDir, sanitizeName(filename)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	return data, nil
}

// DeleteUpload removes a pending upload once a worker is done with it
func (s *LocalStorage) DeleteUpload(ctx context.Context, uploadID string) error {
	uploadDir, err := s.scopedDir(pendingDir, uploadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(uploadDir); err != nil {
		return fmt.Errorf("failed to delete upload directory: %w", err)
	}

	s.logger.Debug("pending upload deleted", slog.String("upload_id", uploadID))

	return nil
}

// ArchiveRaw keeps the original bytes of a settlement file under its id
// and returns the stored path
func (s *LocalStorage) ArchiveRaw(ctx context.Context, fileID uuid.UUID, fileName string, data []byte) (string, error) {
	dir := filepath.Join(s.basePath, archiveDir, fileID.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	filePath := filepath.Join(dir, sanitizeName(fileName))
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write archived file: %w", err)
	}

	s.logger.Debug("raw settlement file archived",
		slog.String("settlement_file_id", fileID.String()),
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return filePath, nil
}

// ReadArchived loads an archived settlement file
func (s *LocalStorage) ReadArchived(ctx context.Context, fileID uuid.UUID, fileName string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, archiveDir, fileID.String(), sanitizeName(fileName)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("archived file not found: %s/%s", fileID, fileName)
		}
		return nil, fmt.Errorf("failed to read archived file: %w", err)
	}

	return data, nil
}

// CleanupOldFiles removes pending uploads and archives older than the
// given duration and returns how many directories were removed
func (s *LocalStorage) CleanupOldFiles(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoffTime := time.Now().Add(-olderThan)
	removed := 0

	for _, sub := range []string{pendingDir, archiveDir} {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n, err := s.cleanupDirectory(filepath.Join(s.basePath, sub), cutoffTime)
		removed += n
		if err != nil {
			return removed, fmt.Errorf("failed to cleanup %s: %w", sub, err)
		}
	}

	s.logger.Info("storage cleanup completed",
		slog.Duration("older_than", olderThan),
		slog.Int("removed", removed))

	return removed, nil
}

// cleanupDirectory removes directories older than cutoff time
func (s *LocalStorage) cleanupDirectory(dir string, cutoffTime time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dirPath := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("failed to get file info",
				slog.String("path", dirPath),
				slog.Any("error", err))
			continue
		}

		if !info.ModTime().Before(cutoffTime) {
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			s.logger.Warn("failed to remove directory",
				slog.String("path", dirPath),
				slog.Any("error", err))
			continue
		}

		removed++
		s.logger.Debug("removed old directory",
			slog.String("path", dirPath),
			slog.Time("mod_time", info.ModTime()))
	}

	return removed, nil
}

// scopedDir joins an id under a storage area, refusing ids that would
// escape it
func (s *LocalStorage) scopedDir(area, id string) (string, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid storage id %q", id)
	}
	return filepath.Join(s.basePath, area, id), nil
}

func sanitizeName(filename string) string {
	name := filepath.Base(filename)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "upload"
	}
	return name
}

// getContentType returns the content type based on file extension
func getContentType(filename string) string {
	switch filepath.Ext(filename) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".csv":
		return "text/csv"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
