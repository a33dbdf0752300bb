// Package storage keeps compressed uploads: blobs on disk, metadata in
// SQLite.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"media-compressor-go/internal/compressor"
	"media-compressor-go/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when an upload does not exist in a gallery.
	ErrNotFound = errors.New("upload not found")
	// ErrInvalidGallery is returned for empty or path-like gallery ids.
	ErrInvalidGallery = errors.New("invalid gallery id")
	// ErrEmptyCurrentSet refuses a prune that would delete a whole gallery.
	ErrEmptyCurrentSet = errors.New("current media id list is empty")
)

// Upload is the stored-object reference for one compressed file.
type Upload struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	GalleryID        string    `gorm:"index;not null" json:"gallery_id"`
	MediaID          string    `gorm:"index;not null" json:"media_id"`
	Name             string    `json:"name"`
	MIMEType         string    `json:"mime_type"`
	OriginalSize     int64     `json:"original_size"`
	CompressedSize   int64     `json:"compressed_size"`
	CompressionRatio float64   `json:"compression_ratio"`
	Attempts         int       `json:"attempts"`
	PassedThrough    bool      `json:"passed_through"`
	Story            bool      `json:"story"`
	BlobPath         string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store handles upload persistence.
type Store struct {
	db      *gorm.DB
	blobDir string
	logger  *logrus.Logger
}

// Open opens (or creates) the SQLite database at dbPath and the blob
// directory.
func Open(dbPath, blobDir string, log *logrus.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, blobDir, log)
}

// New wraps an existing gorm connection and migrates the schema.
func New(db *gorm.DB, blobDir string, log *logrus.Logger) (*Store, error) {
	if err := db.AutoMigrate(&Upload{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Store{db: db, blobDir: blobDir, logger: log}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveInput describes an upload to persist.
type SaveInput struct {
	GalleryID string
	// MediaID identifies the feed item; it defaults to the upload id.
	MediaID string
	Story   bool
	Result  *compressor.Result
}

// Save writes the compressed blob and records it.
func (s *Store) Save(ctx context.Context, in SaveInput) (*Upload, error) {
	if err := validateGallery(in.GalleryID); err != nil {
		return nil, err
	}
	if in.Result == nil || len(in.Result.Data) == 0 {
		metrics.UploadsStoredTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("nothing to store for gallery %s", in.GalleryID)
	}

	res := in.Result
	id := uuid.NewString()
	mediaID := in.MediaID
	if mediaID == "" {
		mediaID = id
	}

	blobPath := filepath.Join(s.blobDir, in.GalleryID, id+strings.ToLower(filepath.Ext(res.Name)))
	if err := writeBlob(blobPath, res.Data); err != nil {
		metrics.UploadsStoredTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("write blob: %w", err)
	}

	upload := &Upload{
		ID:               id,
		GalleryID:        in.GalleryID,
		MediaID:          mediaID,
		Name:             res.Name,
		MIMEType:         res.MIMEType,
		OriginalSize:     res.OriginalSize,
		CompressedSize:   res.CompressedSize,
		CompressionRatio: res.CompressionRatio,
		Attempts:         res.AttemptsUsed,
		PassedThrough:    res.PassedThrough,
		Story:            in.Story,
		BlobPath:         blobPath,
	}
	if err := s.db.WithContext(ctx).Create(upload).Error; err != nil {
		s.removeBlob(blobPath)
		metrics.UploadsStoredTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("insert upload: %w", err)
	}

	metrics.UploadsStoredTotal.WithLabelValues("success").Inc()
	s.logger.WithFields(logrus.Fields{
		"gallery_id": in.GalleryID,
		"upload_id":  id,
		"size":       upload.CompressedSize,
	}).Info("Upload stored")
	return upload, nil
}

// Get returns one upload of a gallery.
func (s *Store) Get(ctx context.Context, galleryID, id string) (*Upload, error) {
	if err := validateGallery(galleryID); err != nil {
		return nil, err
	}
	var upload Upload
	err := s.db.WithContext(ctx).Where("gallery_id = ? AND id = ?", galleryID, id).First(&upload).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query upload: %w", err)
	}
	return &upload, nil
}

// ReadBlob returns the stored bytes of an upload.
func (s *Store) ReadBlob(upload *Upload) ([]byte, error) {
	return os.ReadFile(upload.BlobPath)
}

// List returns the uploads of a gallery, oldest first.
func (s *Store) List(ctx context.Context, galleryID string) ([]Upload, error) {
	if err := validateGallery(galleryID); err != nil {
		return nil, err
	}
	var uploads []Upload
	if err := s.db.WithContext(ctx).Where("gallery_id = ?", galleryID).Order("created_at asc, id asc").Find(&uploads).Error; err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	return uploads, nil
}

// PruneOrphans deletes uploads of galleryID whose media id is not in
// currentMediaIDs, together with their blobs. It returns the removed
// uploads. An empty current list is rejected with ErrEmptyCurrentSet.
func (s *Store) PruneOrphans(ctx context.Context, galleryID string, currentMediaIDs []string) ([]Upload, error) {
	if err := validateGallery(galleryID); err != nil {
		return nil, err
	}
	if len(currentMediaIDs) == 0 {
		return nil, ErrEmptyCurrentSet
	}

	var orphans []Upload
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("gallery_id = ? AND media_id NOT IN ?", galleryID, currentMediaIDs).Find(&orphans).Error; err != nil {
			return err
		}
		if len(orphans) == 0 {
			return nil
		}
		ids := make([]string, len(orphans))
		for i, o := range orphans {
			ids[i] = o.ID
		}
		return tx.Where("id IN ?", ids).Delete(&Upload{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("prune gallery %s: %w", galleryID, err)
	}

	for _, o := range orphans {
		s.removeBlob(o.BlobPath)
	}
	metrics.UploadsPrunedTotal.Add(float64(len(orphans)))
	if len(orphans) > 0 {
		s.logger.WithFields(logrus.Fields{
			"gallery_id": galleryID,
			"removed":    len(orphans),
		}).Info("Pruned orphaned uploads")
	}
	return orphans, nil
}

func (s *Store) removeBlob(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warnf("Failed to remove blob %s: %v", path, err)
	}
}

func validateGallery(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidGallery, id)
	}
	return nil
}

func writeBlob(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
