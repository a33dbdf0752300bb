package mediainfo

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	// Image format decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"
)

// Family is the coarse media class used for dispatch.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyImage
	FamilyVideo
)

// String returns a human-readable description of the family.
func (f Family) String() string {
	switch f {
	case FamilyImage:
		return "image"
	case FamilyVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Info describes a media payload without fully decoding it.
type Info struct {
	MIMEType    string
	Family      Family
	Width       int
	Height      int
	Orientation int
}

// IsPortrait reports whether the oriented image is taller than it is wide.
func (i Info) IsPortrait() bool {
	return i.Height > i.Width
}

// Pixels returns width*height.
func (i Info) Pixels() int {
	return i.Width * i.Height
}

// genericTypes are declared types that carry no real information.
var genericTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
}

// BaseType strips parameters and lowercases a MIME type.
func BaseType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// FamilyOf classifies a MIME type.
func FamilyOf(mimeType string) Family {
	base := BaseType(mimeType)
	switch {
	case strings.HasPrefix(base, "image/"):
		return FamilyImage
	case strings.HasPrefix(base, "video/"):
		return FamilyVideo
	default:
		return FamilyUnknown
	}
}

// Detect returns the declared MIME type, or the type sniffed from data when
// the declared one is missing or generic.
func Detect(data []byte, declared string) string {
	base := BaseType(declared)
	if !genericTypes[base] {
		return base
	}
	return BaseType(mimetype.Detect(data).String())
}

// Probe reads the MIME type, header dimensions and EXIF orientation of an
// image. Width and Height are reported after applying the orientation.
// For non-image payloads only MIMEType and Family are set.
func Probe(data []byte, declared string) (*Info, error) {
	mimeType := Detect(data, declared)
	info := &Info{
		MIMEType:    mimeType,
		Family:      FamilyOf(mimeType),
		Orientation: 1,
	}
	if info.Family != FamilyImage {
		return info, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return info, fmt.Errorf("failed to decode image header: %w", err)
	}
	info.Width, info.Height = cfg.Width, cfg.Height

	if o := readOrientation(data); o > 0 {
		info.Orientation = o
	}
	// Orientations 5-8 rotate by 90 degrees.
	if info.Orientation >= 5 && info.Orientation <= 8 {
		info.Width, info.Height = info.Height, info.Width
	}
	return info, nil
}

// readOrientation returns the EXIF orientation tag, or 0 if absent.
func readOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	o, err := tag.Int(0)
	if err != nil {
		return 0
	}
	return o
}

// Software returns the EXIF Software tag, or "" if absent.
func Software(data []byte) string {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	tag, err := x.Get(exif.Software)
	if err != nil {
		return ""
	}
	val, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimRight(val, "\x00 ")
}
