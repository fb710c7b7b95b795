// Package finalize turns a sealed working canvas into a stored, signed art record.
package finalize

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/xihreaux01/pixel-art-platform/internal/canvas"
	"github.com/xihreaux01/pixel-art-platform/internal/clock"
	"github.com/xihreaux01/pixel-art-platform/internal/models"
	"github.com/xihreaux01/pixel-art-platform/internal/telemetry"
	"github.com/xihreaux01/pixel-art-platform/internal/tier"
)

// ErrContentRejected means the moderator refused the finished image.
var ErrContentRejected = errors.New("content rejected")

const (
	ThumbnailSize = 64
	modelName     = "pixel-agent"
)

type Input struct {
	Job    models.Job
	Tier   tier.Tier
	Canvas *canvas.Canvas
	Log    []models.OpLogEntry
}

// Pipeline finalizes a job. It must not touch job state; the caller records the outcome.
type Pipeline interface {
	Finalize(ctx context.Context, in Input) (models.ArtRecord, error)
}

// Moderator scans a finished image. Returning an error wrapping ErrContentRejected
// fails the job as a model-quality fault.
type Moderator interface {
	Scan(ctx context.Context, img image.Image) error
}

type approveAll struct{}

func (approveAll) Scan(context.Context, image.Image) error { return nil }

type Renderer struct {
	uploader  Uploader
	signer    Signer
	moderator Moderator
	clock     clock.Clock
}

type Option func(*Renderer)

func WithModerator(m Moderator) Option {
	return func(r *Renderer) { r.moderator = m }
}

func NewRenderer(uploader Uploader, signer Signer, clk clock.Clock, opts ...Option) *Renderer {
	r := &Renderer{uploader: uploader, signer: signer, moderator: approveAll{}, clock: clk}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Renderer) Finalize(ctx context.Context, in Input) (models.ArtRecord, error) {
	start := time.Now()
	defer func() { telemetry.FinalizeDuration.Observe(time.Since(start).Seconds()) }()

	artID := uuid.NewString()
	c := in.Canvas.Clone()
	Watermark(c, artID, in.Job.UserID)
	img := c.Image()

	if err := r.moderator.Scan(ctx, img); err != nil {
		return models.ArtRecord{}, fmt.Errorf("moderate %s: %w", in.Job.ID, err)
	}

	var full bytes.Buffer
	if err := imaging.Encode(&full, img, imaging.PNG); err != nil {
		return models.ArtRecord{}, fmt.Errorf("encode image: %w", err)
	}
	var thumb bytes.Buffer
	if err := imaging.Encode(&thumb, Thumbnail(img, ThumbnailSize), imaging.PNG); err != nil {
		return models.ArtRecord{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	archive, seqHash, err := Archive(in.Log)
	if err != nil {
		return models.ArtRecord{}, err
	}

	signature, genHash := r.signer.Seal(full.Bytes(), SealMetadata{ArtID: artID, CreatorID: in.Job.UserID, Model: modelName})

	var imageURI, thumbURI, archiveURI string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		imageURI, err = r.uploader.Upload(gctx, artID+".png", full.Bytes(), "image/png")
		return err
	})
	g.Go(func() (err error) {
		thumbURI, err = r.uploader.Upload(gctx, artID+"_thumb.png", thumb.Bytes(), "image/png")
		return err
	})
	g.Go(func() (err error) {
		archiveURI, err = r.uploader.Upload(gctx, artID+"_ops.json.zst", archive, "application/zstd")
		return err
	})
	if err := g.Wait(); err != nil {
		return models.ArtRecord{}, fmt.Errorf("upload art %s: %w", artID, err)
	}

	log.Info().Str("job_id", in.Job.ID).Str("art_id", artID).Int("tool_calls", len(in.Log)).Msg("art sealed")
	return models.ArtRecord{
		ID:             artID,
		JobID:          in.Job.ID,
		CreatorID:      in.Job.UserID,
		Tier:           in.Tier.Name,
		Width:          c.Width,
		Height:         c.Height,
		ImageURI:       imageURI,
		ThumbnailURI:   thumbURI,
		ArchiveURI:     archiveURI,
		GenerationHash: genHash,
		SealSignature:  signature,
		SealKeyVersion: r.signer.Version(),
		ToolCallCount:  len(in.Log),
		SequenceHash:   seqHash,
		Tradeable:      in.Tier.Cost > 0,
		CreatedAt:      r.clock.Now(),
	}, nil
}

// Thumbnail shrinks img to fit size x size with nearest-neighbour sampling. Images that
// already fit are returned unchanged.
func Thumbnail(img image.Image, size int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= size && h <= size {
		return img
	}
	if w >= h {
		h = h * size / w
		w = size
	} else {
		w = w * size / h
		h = size
	}
	if w == 0 {
		w = 1
	}
	if h == 0 {
		h = 1
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Archive returns the zstd-compressed JSON op log and the BLAKE3 hash of the raw JSON.
func Archive(entries []models.OpLogEntry) ([]byte, string, error) {
	if entries == nil {
		entries = []models.OpLogEntry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, "", fmt.Errorf("encode op log: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, "", fmt.Errorf("zstd writer: %w", err)
	}
	defer enc.Close()
	sum := blake3.Sum256(raw)
	return enc.EncodeAll(raw, nil), hex.EncodeToString(sum[:]), nil
}

// ReadArchive reverses Archive.
func ReadArchive(data []byte) ([]models.OpLogEntry, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress op log: %w", err)
	}
	var entries []models.OpLogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode op log: %w", err)
	}
	return entries, nil
}
