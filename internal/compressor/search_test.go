package compressor

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
)

// sizedEncoder produces quality*1e6 bytes, so size falls linearly with quality.
func sizedEncoder(calls *int) encodeFunc {
	return func(buf *bytes.Buffer, quality float64) error {
		if calls != nil {
			*calls++
		}
		buf.Write(bytes.Repeat([]byte{0xAB}, int(quality*1e6)))
		return nil
	}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func assertNonIncreasing(t *testing.T, attempts []Attempt, initial float64) {
	t.Helper()
	prev := initial
	for i, a := range attempts {
		if a.Quality <= 0 || a.Quality > prev+1e-12 {
			t.Fatalf("attempt %d quality %.4f not in (0, %.4f]", i, a.Quality, prev)
		}
		prev = a.Quality
	}
}

func TestSearchQualityBinaryConverges(t *testing.T) {
	out, err := searchQuality(context.Background(), searchParams{
		Initial:     0.85,
		Target:      200_000,
		MaxAttempts: 10,
		Strategy:    StrategyBinary,
	}, &bytes.Buffer{}, sizedEncoder(nil), nil)
	if err != nil {
		t.Fatalf("searchQuality() error = %v", err)
	}

	want := []float64{0.85, 0.475, 0.2875, 0.19375}
	if len(out.Attempts) != len(want) {
		t.Fatalf("got %d attempts, want %d: %+v", len(out.Attempts), len(want), out.Attempts)
	}
	for i, q := range want {
		if !approxEqual(out.Attempts[i].Quality, q) {
			t.Errorf("attempt %d quality = %v, want %v", i, out.Attempts[i].Quality, q)
		}
	}
	if out.Attempts[0].Size <= 200_000 || out.Attempts[0].WithinBudget {
		t.Errorf("first attempt = %+v, want over budget", out.Attempts[0])
	}
	if !out.Converged {
		t.Error("expected search to converge")
	}
	if int64(len(out.Data)) > 200_000 {
		t.Errorf("result %d bytes exceeds target", len(out.Data))
	}
	if !approxEqual(out.Quality, 0.19375) {
		t.Errorf("quality = %v, want 0.19375", out.Quality)
	}
}

func TestSearchQualityLinearDecay(t *testing.T) {
	out, err := searchQuality(context.Background(), searchParams{
		Initial:     0.8,
		Target:      300_000,
		MaxAttempts: 5,
		Strategy:    StrategyLinear,
	}, &bytes.Buffer{}, sizedEncoder(nil), nil)
	if err != nil {
		t.Fatalf("searchQuality() error = %v", err)
	}

	want := []float64{0.8, 0.56, 0.392, 0.2744}
	if len(out.Attempts) != len(want) {
		t.Fatalf("got %d attempts, want %d", len(out.Attempts), len(want))
	}
	for i, q := range want {
		if math.Abs(out.Attempts[i].Quality-q) > 1e-9 {
			t.Errorf("attempt %d quality = %v, want %v", i, out.Attempts[i].Quality, q)
		}
	}
	if !out.Converged {
		t.Error("expected search to converge")
	}
}

func TestSearchQualityRespectsAttemptCap(t *testing.T) {
	for _, strategy := range []Strategy{StrategyBinary, StrategyLinear} {
		t.Run(string(strategy), func(t *testing.T) {
			calls := 0
			out, err := searchQuality(context.Background(), searchParams{
				Initial:     0.85,
				Target:      1,
				MaxAttempts: 3,
				Strategy:    strategy,
			}, &bytes.Buffer{}, sizedEncoder(&calls), nil)
			if err != nil {
				t.Fatalf("searchQuality() error = %v", err)
			}
			if calls != 3 || len(out.Attempts) != 3 {
				t.Fatalf("calls = %d, attempts = %d, want 3", calls, len(out.Attempts))
			}
			if out.Converged {
				t.Error("unreachable target reported as converged")
			}
			last := out.Attempts[len(out.Attempts)-1]
			if int64(len(out.Data)) != last.Size || out.Quality != last.Quality {
				t.Errorf("expected smallest candidate (last attempt), got %d bytes at %.4f", len(out.Data), out.Quality)
			}
			assertNonIncreasing(t, out.Attempts, 0.85)
		})
	}
}

func TestSearchQualityTerminatesBeforeCap(t *testing.T) {
	tests := []struct {
		strategy Strategy
		attempts int
	}{
		// Bracket 0.75 halves until narrower than 0.01.
		{StrategyBinary, 8},
		// 0.85 * 0.7^6 is just above the floor, so the floor itself is tried last.
		{StrategyLinear, 8},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			out, err := searchQuality(context.Background(), searchParams{
				Initial:     0.85,
				Target:      1,
				MaxAttempts: 100,
				Strategy:    tt.strategy,
			}, &bytes.Buffer{}, sizedEncoder(nil), nil)
			if err != nil {
				t.Fatalf("searchQuality() error = %v", err)
			}
			if len(out.Attempts) != tt.attempts {
				t.Errorf("attempts = %d, want %d", len(out.Attempts), tt.attempts)
			}
			assertNonIncreasing(t, out.Attempts, 0.85)
			for _, a := range out.Attempts {
				if a.Quality < minQuality-1e-12 {
					t.Errorf("quality %.4f below floor", a.Quality)
				}
			}
		})
	}
}

func TestSearchQualityFirstAttemptFits(t *testing.T) {
	out, err := searchQuality(context.Background(), searchParams{
		Initial:     0.5,
		Target:      600_000,
		MaxAttempts: 10,
		Strategy:    StrategyBinary,
	}, &bytes.Buffer{}, sizedEncoder(nil), nil)
	if err != nil {
		t.Fatalf("searchQuality() error = %v", err)
	}
	if len(out.Attempts) != 1 || out.Quality != 0.5 || !out.Converged {
		t.Errorf("expected single converged attempt at 0.5, got %+v", out)
	}
}

func TestSearchQualityEncodeFailures(t *testing.T) {
	tests := []struct {
		name   string
		encode encodeFunc
	}{
		{"encoder error", func(buf *bytes.Buffer, q float64) error { return errors.New("boom") }},
		{"empty output", func(buf *bytes.Buffer, q float64) error { return nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			encode := func(buf *bytes.Buffer, q float64) error {
				calls++
				return tt.encode(buf, q)
			}
			out, err := searchQuality(context.Background(), searchParams{
				Initial: 0.85, Target: 10, MaxAttempts: 10, Strategy: StrategyBinary,
			}, &bytes.Buffer{}, encode, nil)
			if !errors.Is(err, ErrEncode) {
				t.Fatalf("error = %v, want ErrEncode", err)
			}
			if out != nil {
				t.Error("expected no output on encode failure")
			}
			if calls != 1 {
				t.Errorf("encoder called %d times, encode errors must not be retried", calls)
			}
		})
	}
}

func TestSearchQualityInvalidParams(t *testing.T) {
	tests := []searchParams{
		{Initial: 0.85, Target: 10, MaxAttempts: 0},
		{Initial: 0, Target: 10, MaxAttempts: 5},
		{Initial: 1.2, Target: 10, MaxAttempts: 5},
	}
	for _, p := range tests {
		_, err := searchQuality(context.Background(), p, &bytes.Buffer{}, sizedEncoder(nil), nil)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("searchQuality(%+v) error = %v, want ErrInvalidInput", p, err)
		}
	}
}

func TestSearchQualityHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	encode := func(buf *bytes.Buffer, q float64) error {
		calls++
		cancel()
		buf.WriteString("candidate")
		return nil
	}

	_, err := searchQuality(ctx, searchParams{
		Initial: 0.85, Target: 1, MaxAttempts: 10, Strategy: StrategyLinear,
	}, &bytes.Buffer{}, encode, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("encoder called %d times after cancellation", calls)
	}
}

func TestSearchQualityZeroTargetEncodesOnce(t *testing.T) {
	for _, strategy := range []Strategy{StrategyBinary, StrategyLinear} {
		t.Run(string(strategy), func(t *testing.T) {
			calls := 0
			out, err := searchQuality(context.Background(), searchParams{
				Initial:     0.85,
				Target:      0,
				MaxAttempts: 10,
				Strategy:    strategy,
			}, &bytes.Buffer{}, sizedEncoder(&calls), nil)
			if err != nil {
				t.Fatalf("searchQuality() error = %v", err)
			}
			if calls != 1 || len(out.Attempts) != 1 {
				t.Fatalf("calls = %d, attempts = %d, want 1", calls, len(out.Attempts))
			}
			if out.Quality != 0.85 || !out.Converged || !out.Attempts[0].WithinBudget {
				t.Errorf("expected one converged attempt at 0.85, got %+v", out.Attempts)
			}
		})
	}
}

func TestSearchQualitySkipsRepeatedLevels(t *testing.T) {
	tenths := func(q float64) int { return int(math.Round(q * 10)) }

	for _, strategy := range []Strategy{StrategyBinary, StrategyLinear} {
		t.Run(string(strategy), func(t *testing.T) {
			out, err := searchQuality(context.Background(), searchParams{
				Initial:     0.85,
				Target:      1,
				MaxAttempts: 100,
				Strategy:    strategy,
				Levels:      tenths,
			}, &bytes.Buffer{}, sizedEncoder(nil), nil)
			if err != nil {
				t.Fatalf("searchQuality() error = %v", err)
			}
			seen := make(map[int]bool)
			for i, a := range out.Attempts {
				level := tenths(a.Quality)
				if seen[level] {
					t.Errorf("attempt %d at %.4f repeats level %d", i, a.Quality, level)
				}
				seen[level] = true
			}
			assertNonIncreasing(t, out.Attempts, 0.85)
		})
	}
}

func TestStillLevelsPNGSearchesOnce(t *testing.T) {
	calls := 0
	out, err := searchQuality(context.Background(), searchParams{
		Initial:     0.85,
		Target:      1,
		MaxAttempts: 10,
		Strategy:    StrategyBinary,
		Levels:      stillLevels("png"),
	}, &bytes.Buffer{}, sizedEncoder(&calls), nil)
	if err != nil {
		t.Fatalf("searchQuality() error = %v", err)
	}
	if calls != 1 || out.Converged {
		t.Errorf("calls = %d converged = %v, want one unconverged attempt", calls, out.Converged)
	}
}
