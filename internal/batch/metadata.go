package batch

import (
	"fmt"
	"os"
	"strings"

	"media-compressor-go/internal/mediainfo"

	"github.com/barasher/go-exiftool"
	"github.com/sirupsen/logrus"
)

// CompressedMark is written to the EXIF Software tag of JPEG outputs so a
// later run can skip them.
const CompressedMark = "MediaCompressor Compressed"

// copiedTags survive re-encoding. Orientation is left out because the
// pixels are already rotated upright.
var copiedTags = []string{
	"DateTimeOriginal", "CreateDate", "ModifyDate", "OffsetTimeOriginal",
	"Make", "Model", "LensModel",
	"Artist", "Copyright", "ImageDescription",
	"GPSLatitude", "GPSLatitudeRef", "GPSLongitude", "GPSLongitudeRef",
	"GPSAltitude", "GPSAltitudeRef", "GPSDateStamp", "GPSTimeStamp",
}

// Metadata reads and writes EXIF tags of files on disk.
type Metadata interface {
	// IsCompressed reports whether path already carries CompressedMark.
	IsCompressed(path string) bool
	// CopyTags copies capture tags from src to dst and marks dst.
	CopyTags(src, dst string) error
	Close() error
}

// NewMetadata returns an exiftool-backed Metadata. Without exiftool on
// PATH it falls back to reading the mark with goexif and copies nothing.
func NewMetadata(log *logrus.Logger) Metadata {
	et, err := exiftool.NewExiftool()
	if err != nil {
		log.Warnf("exiftool unavailable, EXIF tags will not be copied: %v", err)
		return &exifReader{}
	}
	return &exiftoolMetadata{et: et, log: log}
}

type exiftoolMetadata struct {
	et  *exiftool.Exiftool
	log *logrus.Logger
}

func (m *exiftoolMetadata) IsCompressed(path string) bool {
	files := m.et.ExtractMetadata(path)
	if len(files) == 0 || files[0].Err != nil {
		return false
	}
	sw, ok := files[0].Fields["Software"].(string)
	return ok && strings.Contains(sw, CompressedMark)
}

func (m *exiftoolMetadata) CopyTags(src, dst string) error {
	files := m.et.ExtractMetadata(src)
	if len(files) == 0 {
		return fmt.Errorf("exiftool returned nothing for %s", src)
	}
	if files[0].Err != nil {
		return fmt.Errorf("read tags from %s: %w", src, files[0].Err)
	}

	out := exiftool.EmptyFileMetadata()
	out.File = dst
	for _, tag := range copiedTags {
		if v, ok := files[0].Fields[tag]; ok {
			out.SetString(tag, fmt.Sprint(v))
		}
	}
	out.SetString("Software", CompressedMark)

	written := []exiftool.FileMetadata{out}
	m.et.WriteMetadata(written)
	// exiftool may leave a backup of the untagged file.
	_ = os.Remove(dst + "_original")
	if written[0].Err != nil {
		return fmt.Errorf("write tags to %s: %w", dst, written[0].Err)
	}
	m.log.Debugf("Copied EXIF tags from %s to %s", src, dst)
	return nil
}

func (m *exiftoolMetadata) Close() error {
	return m.et.Close()
}

// exifReader detects the mark without exiftool. It cannot write tags.
type exifReader struct{}

func (exifReader) IsCompressed(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.Contains(mediainfo.Software(data), CompressedMark)
}

func (exifReader) CopyTags(src, dst string) error { return nil }

func (exifReader) Close() error { return nil }
