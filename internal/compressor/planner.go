package compressor

import (
	"fmt"
	"math"
)

// Dimensions is an output size in pixels.
type Dimensions struct {
	Width  int
	Height int
}

// PlanDimensions fits width x height inside maxWidth x maxHeight keeping the
// aspect ratio. It only ever downscales. A non-positive bound leaves that
// axis unconstrained.
func PlanDimensions(width, height, maxWidth, maxHeight int) (Dimensions, error) {
	if width <= 0 || height <= 0 {
		return Dimensions{}, errorf(KindInvalidInput, "plan dimensions", "natural size %dx%d must be positive", width, height)
	}

	w, h := float64(width), float64(height)
	if maxWidth > 0 && w > float64(maxWidth) {
		scale := float64(maxWidth) / w
		w, h = float64(maxWidth), h*scale
	}
	if maxHeight > 0 && h > float64(maxHeight) {
		scale := float64(maxHeight) / h
		w, h = w*scale, float64(maxHeight)
	}

	return Dimensions{Width: roundDim(w), Height: roundDim(h)}, nil
}

// String formats the dimensions as WxH.
func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

func roundDim(v float64) int {
	return max(int(math.Round(v)), 1)
}
