package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"
	"gorm.io/gorm"

	"zapdesk/internal/models"
	"zapdesk/pkg/httputil"
)

const thumbnailMaxDim = 320

// Service downloads provider-hosted media into a Storage backend and
// persists Media rows.
type Service struct {
	db         *gorm.DB
	storage    Storage
	httpClient *resty.Client
}

// NewService creates a media service with a bounded download timeout.
func NewService(db *gorm.DB, storage Storage, timeout time.Duration) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil for media service")
	}
	if storage == nil {
		return nil, fmt.Errorf("storage backend cannot be nil for media service")
	}
	return &Service{
		db:         db,
		storage:    storage,
		httpClient: httputil.NewClient(timeout),
	}, nil
}

// DownloadAndStore fetches media for a message and stores it under a path
// namespaced by organization and conversation. A generated filename is used
// when the provider supplied none. Failures leave the message without media.
func (s *Service) DownloadAndStore(ctx context.Context, message *models.Message, organizationID uint, mediaURL, mimeType, fileName string) (*models.Media, error) {
	if mediaURL == "" {
		return nil, fmt.Errorf("media URL is empty for message %d", message.ID)
	}

	content, fetchedType, err := s.fetch(ctx, mediaURL)
	if err != nil {
		log.Error().Err(err).Str("url", mediaURL).Uint("messageID", message.ID).Msg("Failed to download media")
		return nil, err
	}
	if mimeType == "" {
		mimeType = fetchedType
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	if fileName == "" {
		fileName = uuid.NewString() + "." + extensionForMime(mimeType)
	}

	storagePath := fmt.Sprintf("media/%d/%d/%s", organizationID, message.ConversationID, fileName)
	if err := s.storage.Put(ctx, storagePath, content, mimeType); err != nil {
		log.Error().Err(err).Str("path", storagePath).Uint("messageID", message.ID).Msg("Failed to store media")
		return nil, err
	}

	record := &models.Media{
		MessageID:   message.ID,
		FileName:    fileName,
		MimeType:    mimeType,
		StoragePath: storagePath,
		StorageDisk: s.storage.Name(),
		FileSize:    int64(len(content)),
	}

	if strings.HasPrefix(mimeType, "image/") {
		if thumbPath, err := s.storeThumbnail(ctx, storagePath, content); err != nil {
			log.Warn().Err(err).Uint("messageID", message.ID).Msg("Thumbnail generation failed")
		} else {
			record.ThumbnailPath = &thumbPath
		}
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to persist media record: %w", err)
	}

	log.Info().
		Uint("mediaID", record.ID).
		Uint("messageID", message.ID).
		Str("path", storagePath).
		Int64("size", record.FileSize).
		Msg("Media stored")
	return record, nil
}

// PrepareForSending returns a URL the gateway can fetch the stored object
// from.
func (s *Service) PrepareForSending(ctx context.Context, record *models.Media) (string, error) {
	url, err := s.storage.URL(ctx, record.StoragePath)
	if err != nil {
		log.Error().Err(err).Str("path", record.StoragePath).Msg("Failed to produce media URL for sending")
		return "", err
	}
	return url, nil
}

// DeleteMedia removes the stored objects and the Media row.
func (s *Service) DeleteMedia(ctx context.Context, record *models.Media) error {
	if err := s.storage.Delete(ctx, record.StoragePath); err != nil {
		return err
	}
	if record.ThumbnailPath != nil {
		if err := s.storage.Delete(ctx, *record.ThumbnailPath); err != nil {
			log.Warn().Err(err).Str("path", *record.ThumbnailPath).Msg("Failed to delete thumbnail")
		}
	}
	return s.db.WithContext(ctx).Delete(record).Error
}

// fetch retrieves media bytes from an http(s) URL or an inline data URL.
func (s *Service) fetch(ctx context.Context, mediaURL string) ([]byte, string, error) {
	if strings.HasPrefix(mediaURL, "data:") {
		decoded, err := dataurl.DecodeString(mediaURL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decode data URL: %w", err)
		}
		return decoded.Data, decoded.MediaType.ContentType(), nil
	}

	resp, err := s.httpClient.R().SetContext(ctx).Get(mediaURL)
	if err != nil {
		return nil, "", fmt.Errorf("media download failed: %w", err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("media download failed: status %d", resp.StatusCode())
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

func (s *Service) storeThumbnail(ctx context.Context, storagePath string, content []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	thumb := resize.Thumbnail(thumbnailMaxDim, thumbnailMaxDim, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	thumbPath := storagePath + ".thumb.jpg"
	if err := s.storage.Put(ctx, thumbPath, buf.Bytes(), "image/jpeg"); err != nil {
		return "", err
	}
	return thumbPath, nil
}

func extensionForMime(mimeType string) string {
	mimeMap := map[string]string{
		"image/jpeg":      "jpg",
		"image/png":       "png",
		"image/gif":       "gif",
		"image/webp":      "webp",
		"video/mp4":       "mp4",
		"video/mpeg":      "mpeg",
		"video/quicktime": "mov",
		"audio/mpeg":      "mp3",
		"audio/ogg":       "ogg",
		"audio/wav":       "wav",
		"application/pdf": "pdf",
		"application/msword": "doc",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	}
	// Parameters like "; codecs=opus" don't affect the extension.
	base := mimeType
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if ext, ok := mimeMap[base]; ok {
		return ext
	}
	return "bin"
}
