package compressor

import (
	"bytes"
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

const (
	// minQuality is the lowest quality the search will try.
	minQuality = 0.1
	// qualityEpsilon stops the binary search once the bracket is this narrow.
	qualityEpsilon = 0.01
	// linearDecay is applied to quality after every miss in linear mode.
	linearDecay = 0.7
)

// encodeFunc renders one candidate at quality into buf.
type encodeFunc func(buf *bytes.Buffer, quality float64) error

type searchParams struct {
	Initial     float64
	Target      int64
	MaxAttempts int
	Strategy    Strategy
	// Levels maps a quality to the encoder's discrete setting. Candidates
	// that land on an already tried setting are skipped. Nil means every
	// quality is distinct.
	Levels func(float64) int
}

type searchOutcome struct {
	Data      []byte
	Quality   float64
	Attempts  []Attempt
	Converged bool
}

// searchQuality encodes candidates at non-increasing quality until one fits
// Target or the search is exhausted. Attempts run strictly one after
// another in buf. When nothing fits, the smallest candidate is returned.
// A Target of zero or less means no budget: one encode at Initial.
func searchQuality(ctx context.Context, p searchParams, buf *bytes.Buffer, encode encodeFunc, log *logrus.Entry) (*searchOutcome, error) {
	if p.MaxAttempts <= 0 {
		return nil, errorf(KindInvalidInput, "quality search", "max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.Initial <= 0 || p.Initial > 1 {
		return nil, errorf(KindInvalidInput, "quality search", "quality %.3f outside (0,1]", p.Initial)
	}

	quality := p.Initial
	floor := min(minQuality, p.Initial)
	ceiling := p.Initial

	out := &searchOutcome{Attempts: make([]Attempt, 0, p.MaxAttempts)}

	for len(out.Attempts) < p.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		buf.Reset()
		if err := encode(buf, quality); err != nil {
			return nil, newError(KindEncode, "encode candidate", err)
		}
		if buf.Len() == 0 {
			return nil, newError(KindEncode, "encode candidate", errors.New("encoder produced no output"))
		}

		size := int64(buf.Len())
		within := p.Target <= 0 || size <= p.Target
		out.Attempts = append(out.Attempts, Attempt{Quality: quality, Size: size, WithinBudget: within})

		if log != nil {
			log.WithFields(logrus.Fields{
				"attempt": len(out.Attempts),
				"quality": quality,
				"size":    size,
				"target":  p.Target,
			}).Debug("Quality search attempt")
		}

		if within || out.Data == nil || size < int64(len(out.Data)) {
			out.Data = append(out.Data[:0], buf.Bytes()...)
			out.Quality = quality
		}
		if within {
			out.Converged = true
			return out, nil
		}

		next, ok := nextQuality(p.Strategy, quality, floor, &ceiling)
		for ok && p.Levels != nil && p.Levels(next) == p.Levels(quality) {
			next, ok = nextQuality(p.Strategy, next, floor, &ceiling)
		}
		if !ok {
			break
		}
		quality = next
	}

	return out, nil
}

// nextQuality picks the quality for the following attempt after a miss at
// quality. It reports false when the search cannot go lower.
func nextQuality(strategy Strategy, quality, floor float64, ceiling *float64) (float64, bool) {
	switch strategy {
	case StrategyLinear:
		if quality <= floor {
			return 0, false
		}
		return max(quality*linearDecay, floor), true
	default:
		*ceiling = quality
		if *ceiling-floor < qualityEpsilon {
			return 0, false
		}
		return (floor + *ceiling) / 2, true
	}
}
