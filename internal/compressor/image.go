package compressor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"strings"

	"media-compressor-go/internal/mediainfo"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// normalizeFormat maps user-facing names to the encoder formats we support.
func normalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "jpeg", "jpg":
		return "jpeg", nil
	case "webp":
		return "webp", nil
	case "png":
		return "png", nil
	default:
		return "", fmt.Errorf("unsupported output format %q (valid: jpeg, webp, png)", format)
	}
}

// formatMIME returns the MIME type produced by an encoder format.
func formatMIME(format string) string {
	switch format {
	case "webp":
		return "image/webp"
	case "png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}

// jpegQuality maps (0,1] to the 1-100 JPEG scale.
func jpegQuality(q float64) int {
	return min(max(int(math.Round(q*100)), 1), 100)
}

// stillLevels reports the encoder setting a quality maps to. PNG has a
// single setting, so one encode is all the search can do.
func stillLevels(format string) func(float64) int {
	if format == "png" {
		return func(float64) int { return 0 }
	}
	return jpegQuality
}

// encodeStill encodes img into buf. PNG is lossless and ignores quality.
func encodeStill(buf *bytes.Buffer, img image.Image, format string, quality float64) error {
	switch format {
	case "webp":
		return webp.Encode(buf, img, &webp.Options{
			Lossless: false,
			Quality:  float32(jpegQuality(quality)),
		})
	case "png":
		return imaging.Encode(buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	default:
		return imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality(quality)))
	}
}

// compressImage decodes, downscales and re-encodes an image until it fits
// the target size.
func (c *DefaultCompressor) compressImage(ctx context.Context, file File, mimeType string, opts Options, log *logrus.Entry) (*Result, error) {
	info, err := mediainfo.Probe(file.Data, mimeType)
	if err != nil {
		return nil, newError(KindInvalidInput, "probe image", err)
	}
	if c.maxPixels > 0 && info.Pixels() > c.maxPixels {
		return nil, errorf(KindInvalidInput, "probe image", "image has %d pixels, limit is %d", info.Pixels(), c.maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(file.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, newError(KindInvalidInput, "decode image", err)
	}

	bounds := img.Bounds()
	dims, err := PlanDimensions(bounds.Dx(), bounds.Dy(), opts.MaxWidth, opts.MaxHeight)
	if err != nil {
		return nil, err
	}
	if dims.Width != bounds.Dx() || dims.Height != bounds.Dy() {
		log.Debugf("Resizing %dx%d to %s", bounds.Dx(), bounds.Dy(), dims)
		img = imaging.Resize(img, dims.Width, dims.Height, imaging.Lanczos)
	}

	buf := c.buffers.Get()
	defer c.buffers.Put(buf)

	outcome, err := searchQuality(ctx, searchParams{
		Initial:     opts.Quality,
		Target:      opts.TargetSize,
		MaxAttempts: opts.MaxAttempts,
		Strategy:    opts.Strategy,
		Levels:      stillLevels(opts.Format),
	}, buf, func(buf *bytes.Buffer, quality float64) error {
		return encodeStill(buf, img, opts.Format, quality)
	}, log)
	if err != nil {
		return nil, err
	}

	if !outcome.Converged {
		log.Warnf("Target size %d not reached after %d attempts, returning smallest candidate (%d bytes)",
			opts.TargetSize, len(outcome.Attempts), len(outcome.Data))
	}

	return &Result{
		Data:         outcome.Data,
		MIMEType:     formatMIME(opts.Format),
		AttemptsUsed: len(outcome.Attempts),
		Attempts:     outcome.Attempts,
		QualityUsed:  outcome.Quality,
		Width:        dims.Width,
		Height:       dims.Height,
	}, nil
}
