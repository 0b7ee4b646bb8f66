package storage

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestUploadDeduplicatesIdenticalContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	payload := []byte("the same attachment bytes")

	first, err := store.Upload(ctx, bytes.NewReader(payload), UploadRequest{
		Filename:       "notes.txt",
		ContentType:    "text/plain",
		OwnerID:        "alice",
		ConversationID: "conv-1",
	})
	if err != nil {
		t.Fatalf("first Upload failed: %v", err)
	}
	if first.IsDuplicate {
		t.Fatalf("expected first upload not to be a duplicate")
	}

	second, err := store.Upload(ctx, bytes.NewReader(payload), UploadRequest{
		Filename:       "copy.txt",
		OwnerID:        "bob",
		ConversationID: "conv-2",
		Compress:       true,
	})
	if err != nil {
		t.Fatalf("second Upload failed: %v", err)
	}
	if !second.IsDuplicate || second.URL != first.URL {
		t.Fatalf("expected duplicate with same URL, got %+v vs %+v", second, first)
	}

	raw, err := store.OpenMedia(ctx, first.URL)
	if err != nil {
		t.Fatalf("OpenMedia failed: %v", err)
	}
	if !bytes.Equal(raw, payload) {
		t.Fatalf("expected stored bytes to match upload")
	}
}

func TestUploadCompressedRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte("compressible "), 1000)

	result, err := store.Upload(ctx, bytes.NewReader(payload), UploadRequest{
		Filename:       "big.txt",
		OwnerID:        "alice",
		ConversationID: "conv-1",
		Compress:       true,
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	object, err := store.GetMediaObject(ctx, result.Checksum)
	if err != nil {
		t.Fatalf("GetMediaObject failed: %v", err)
	}
	if !object.Compressed || object.Size != int64(len(payload)) {
		t.Fatalf("unexpected media object %+v", object)
	}

	raw, err := store.OpenMedia(ctx, result.URL)
	if err != nil {
		t.Fatalf("OpenMedia failed: %v", err)
	}
	if !bytes.Equal(raw, payload) {
		t.Fatalf("expected decompressed bytes to match upload")
	}
}

func TestUploadImageProducesThumbnail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for x := 0; x < 640; x++ {
		img.Set(x, x%480, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	result, err := store.Upload(ctx, bytes.NewReader(buf.Bytes()), UploadRequest{
		Filename:       "photo.png",
		ContentType:    "image/png",
		OwnerID:        "alice",
		ConversationID: "conv-1",
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if result.ThumbnailURL == "" {
		t.Fatalf("expected thumbnail URL for image upload")
	}

	thumb, err := store.OpenMedia(ctx, result.ThumbnailURL)
	if err != nil {
		t.Fatalf("OpenMedia thumbnail failed: %v", err)
	}
	decoded, _, err := image.Decode(bytes.NewReader(thumb))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if decoded.Bounds().Dx() > thumbnailMaxEdge || decoded.Bounds().Dy() > thumbnailMaxEdge {
		t.Fatalf("thumbnail too large: %v", decoded.Bounds())
	}
}

func TestUploadRejectsEmptyPayload(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upload(context.Background(), bytes.NewReader(nil), UploadRequest{
		Filename:       "empty.bin",
		OwnerID:        "alice",
		ConversationID: "conv-1",
	})
	if err == nil {
		t.Fatalf("expected empty upload to be rejected")
	}
}
