package compressor

import (
	"context"
	"errors"
	"fmt"

	"media-compressor-go/internal/engine"
	"media-compressor-go/internal/progress"

	"github.com/sirupsen/logrus"
)

// compressVideo hands the payload to the transcoding engine. When the
// engine cannot be loaded the original file is returned with a warning.
func (c *DefaultCompressor) compressVideo(ctx context.Context, file File, mimeType string, opts Options, tracker *progress.Tracker, log *logrus.Entry) (*Result, error) {
	if c.engines == nil {
		return c.videoFallback(file, mimeType, engine.ErrUnavailable, log), nil
	}

	eng, err := c.engines.Get(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return c.videoFallback(file, mimeType, err, log), nil
	}

	maxWidth, maxHeight := opts.MaxWidth, opts.MaxHeight
	if opts.Story && maxWidth > maxHeight {
		maxWidth, maxHeight = maxHeight, maxWidth
	}

	data, outType, err := eng.Transcode(ctx, file.Data, engine.Options{
		MaxWidth:         maxWidth,
		MaxHeight:        maxHeight,
		MaxBitrateKbps:   opts.MaxBitrateKbps,
		AudioBitrateKbps: opts.AudioBitrateKbps,
		VideoCodec:       opts.VideoCodec,
		AudioCodec:       opts.AudioCodec,
		Preset:           opts.Preset,
	}, tracker.Advance)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, engine.ErrTimeout):
			return nil, newError(KindTimeout, "transcode video", err)
		case errors.Is(err, engine.ErrUnavailable):
			return c.videoFallback(file, mimeType, err, log), nil
		default:
			return nil, newError(KindEngineExecution, "transcode video", err)
		}
	}
	if len(data) == 0 {
		return nil, newError(KindEngineExecution, "transcode video", errors.New("engine produced no output"))
	}

	return &Result{
		Data:     data,
		MIMEType: outType,
	}, nil
}

// videoFallback returns the source unchanged because video compression is
// best effort.
func (c *DefaultCompressor) videoFallback(file File, mimeType string, cause error, log *logrus.Entry) *Result {
	warning := fmt.Sprintf("video left uncompressed: %v", newError(KindEngineUnavailable, "load engine", cause))
	log.Warn(warning)
	if c.stats != nil {
		c.stats.IncrementEngineFallbacks()
	}
	return &Result{
		Name:          file.Name,
		Data:          file.Data,
		MIMEType:      mimeType,
		PassedThrough: true,
		Warning:       warning,
	}
}
