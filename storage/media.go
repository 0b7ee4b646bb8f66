package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/nfnt/resize"
)

const (
	mediaURLScheme       = "media://"
	thumbnailSuffix      = "/thumbnail"
	thumbnailMaxEdge     = 256
	thumbnailJPEGQuality = 80
	// MaxUploadSize bounds a single media upload (50 MB).
	MaxUploadSize = 50 * 1024 * 1024
)

// Upload stores media content-addressed by SHA-256. Identical bytes uploaded
// earlier by anyone are not written again; the existing URLs are returned
// with IsDuplicate set.
func (s *Store) Upload(ctx context.Context, r io.Reader, req UploadRequest) (UploadResult, error) {
	if req.OwnerID == "" {
		return UploadResult{}, errors.New("owner_id is required")
	}
	if req.ConversationID == "" {
		return UploadResult{}, errors.New("conversation_id is required")
	}
	if req.Filename == "" {
		return UploadResult{}, errors.New("filename is required")
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxUploadSize+1))
	if err != nil {
		return UploadResult{}, fmt.Errorf("read upload %q: %w", req.Filename, err)
	}
	if len(data) == 0 {
		return UploadResult{}, errors.New("upload is empty")
	}
	if len(data) > MaxUploadSize {
		return UploadResult{}, fmt.Errorf("upload %q exceeds %d bytes", req.Filename, MaxUploadSize)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	existing, err := s.GetMediaObject(ctx, checksum)
	if err == nil {
		return UploadResult{
			URL:          existing.URL,
			ThumbnailURL: existing.ThumbnailURL,
			Checksum:     checksum,
			IsDuplicate:  true,
		}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return UploadResult{}, err
	}

	blob := data
	if req.Compress {
		blob, err = compressBlob(data)
		if err != nil {
			return UploadResult{}, err
		}
	}

	storedPath := filepath.Join(s.mediaDir, checksum)
	if err := writeFileAtomic(storedPath, blob); err != nil {
		return UploadResult{}, err
	}

	object := MediaObject{
		Checksum:       checksum,
		URL:            mediaURLScheme + checksum,
		OwnerID:        req.OwnerID,
		ConversationID: req.ConversationID,
		Filename:       req.Filename,
		ContentType:    req.ContentType,
		Size:           int64(len(data)),
		Compressed:     req.Compress,
		StoredPath:     storedPath,
		CreatedAt:      nowUnixMilli(),
	}
	if strings.HasPrefix(req.ContentType, "image/") {
		if thumb, ok := makeThumbnail(data); ok {
			if err := writeFileAtomic(storedPath+"_thumb.jpg", thumb); err != nil {
				return UploadResult{}, err
			}
			object.ThumbnailURL = object.URL + thumbnailSuffix
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO media_objects (
			checksum,
			url,
			thumbnail_url,
			owner_id,
			conversation_id,
			filename,
			content_type,
			size,
			compressed,
			stored_path,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(checksum) DO NOTHING`,
		object.Checksum,
		object.URL,
		object.ThumbnailURL,
		object.OwnerID,
		object.ConversationID,
		object.Filename,
		object.ContentType,
		object.Size,
		boolToInt(object.Compressed),
		object.StoredPath,
		object.CreatedAt,
	)
	if err != nil {
		return UploadResult{}, fmt.Errorf("insert media object %q: %w", checksum, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return UploadResult{}, fmt.Errorf("read rows affected for media object %q: %w", checksum, err)
	}
	if rowsAffected == 0 {
		// Lost a race against a concurrent upload of the same bytes.
		winner, err := s.GetMediaObject(ctx, checksum)
		if err != nil {
			return UploadResult{}, err
		}
		return UploadResult{URL: winner.URL, ThumbnailURL: winner.ThumbnailURL, Checksum: checksum, IsDuplicate: true}, nil
	}

	return UploadResult{
		URL:          object.URL,
		ThumbnailURL: object.ThumbnailURL,
		Checksum:     checksum,
	}, nil
}

// GetMediaObject fetches media metadata by checksum.
func (s *Store) GetMediaObject(ctx context.Context, checksum string) (*MediaObject, error) {
	if checksum == "" {
		return nil, errors.New("checksum is required")
	}

	var (
		object     MediaObject
		compressed int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT
			checksum,
			url,
			thumbnail_url,
			owner_id,
			conversation_id,
			filename,
			content_type,
			size,
			compressed,
			stored_path,
			created_at
		FROM media_objects
		WHERE checksum = ?`,
		checksum,
	).Scan(
		&object.Checksum,
		&object.URL,
		&object.ThumbnailURL,
		&object.OwnerID,
		&object.ConversationID,
		&object.Filename,
		&object.ContentType,
		&object.Size,
		&compressed,
		&object.StoredPath,
		&object.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get media object %q: %w", checksum, err)
	}
	object.Compressed = compressed == 1
	return &object, nil
}

// OpenMedia returns the original bytes behind a media or thumbnail URL.
func (s *Store) OpenMedia(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, mediaURLScheme) {
		return nil, fmt.Errorf("unsupported media url %q", url)
	}

	ref := strings.TrimPrefix(url, mediaURLScheme)
	thumbnail := strings.HasSuffix(ref, thumbnailSuffix)
	checksum := strings.TrimSuffix(ref, thumbnailSuffix)

	object, err := s.GetMediaObject(ctx, checksum)
	if err != nil {
		return nil, err
	}

	if thumbnail {
		if object.ThumbnailURL == "" {
			return nil, ErrNotFound
		}
		raw, err := os.ReadFile(object.StoredPath + "_thumb.jpg")
		if err != nil {
			return nil, fmt.Errorf("read thumbnail %q: %w", checksum, err)
		}
		return raw, nil
	}

	raw, err := os.ReadFile(object.StoredPath)
	if err != nil {
		return nil, fmt.Errorf("read media %q: %w", checksum, err)
	}
	if !object.Compressed {
		return raw, nil
	}
	return decompressBlob(raw)
}

func compressBlob(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func decompressBlob(blob []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer decoder.Close()

	data, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress media: %w", err)
	}
	return data, nil
}

func makeThumbnail(data []byte) ([]byte, bool) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}

	thumb := resize.Thumbnail(thumbnailMaxEdge, thumbnailMaxEdge, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: thumbnailJPEGQuality}); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write media blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit media blob: %w", err)
	}
	return nil
}
