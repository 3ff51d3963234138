// Package classify is the boundary between the review pipeline and the
// content classifiers. It owns the closed vocabularies (file types,
// verdicts, source types) and parses external input into them strictly: an
// unrecognized value is an UnknownVariantError, never a silent default.
package classify

import (
	"context"
	"fmt"
	"strings"
)

const (
	FileTypeDocument = "document"
	FileTypeImage    = "image"
	FileTypeVideo    = "video"
	FileTypeText     = "text"
)

const (
	VerdictCompliant    = "compliant"
	VerdictNonCompliant = "non_compliant"
	VerdictUncertain    = "uncertain"
)

const (
	SourceOCR      = "ocr"
	SourceVisual   = "visual"
	SourceAudio    = "audio"
	SourceMetadata = "metadata"
)

type UnknownVariantError struct {
	Kind  string
	Value string
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Value)
}

func ParseFileType(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case FileTypeDocument:
		return FileTypeDocument, nil
	case FileTypeImage:
		return FileTypeImage, nil
	case FileTypeVideo:
		return FileTypeVideo, nil
	case FileTypeText:
		return FileTypeText, nil
	default:
		return "", &UnknownVariantError{Kind: "file type", Value: v}
	}
}

func ParseVerdict(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case VerdictCompliant:
		return VerdictCompliant, nil
	case VerdictNonCompliant:
		return VerdictNonCompliant, nil
	case VerdictUncertain:
		return VerdictUncertain, nil
	default:
		return "", &UnknownVariantError{Kind: "verdict", Value: v}
	}
}

func ParseSourceType(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case SourceOCR:
		return SourceOCR, nil
	case SourceVisual:
		return SourceVisual, nil
	case SourceAudio:
		return SourceAudio, nil
	case SourceMetadata:
		return SourceMetadata, nil
	default:
		return "", &UnknownVariantError{Kind: "source type", Value: v}
	}
}

var extToFileType = map[string]string{
	".pdf":  FileTypeDocument,
	".doc":  FileTypeDocument,
	".docx": FileTypeDocument,
	".ppt":  FileTypeDocument,
	".pptx": FileTypeDocument,
	".jpg":  FileTypeImage,
	".jpeg": FileTypeImage,
	".png":  FileTypeImage,
	".gif":  FileTypeImage,
	".bmp":  FileTypeImage,
	".webp": FileTypeImage,
	".mp4":  FileTypeVideo,
	".avi":  FileTypeVideo,
	".mov":  FileTypeVideo,
	".mkv":  FileTypeVideo,
	".webm": FileTypeVideo,
	".txt":  FileTypeText,
	".md":   FileTypeText,
	".csv":  FileTypeText,
}

// FileTypeForExtension maps an upload's extension onto the closed file-type
// set. ext includes the leading dot.
func FileTypeForExtension(ext string) (string, error) {
	ft, ok := extToFileType[strings.ToLower(strings.TrimSpace(ext))]
	if !ok {
		return "", &UnknownVariantError{Kind: "file extension", Value: ext}
	}
	return ft, nil
}

// Finding is one classifier observation about a piece of content. Verdict
// and SourceType are always members of the closed sets above.
type Finding struct {
	Verdict      string
	SourceType   string
	Confidence   float64
	Evidence     string
	EvidenceText string
	Position     map[string]any
	PageNumber   int
	TimestampSec float64
	ModelName    string
	ModelVersion string
	RawResponse  string
}

// TextRequest asks for a compliance read of extracted or native text.
type TextRequest struct {
	Text       string
	Prompt     string
	SourceType string
	PageNumber int
}

// ImageRequest asks for a compliance read of an image on disk. TimestampSec
// carries the video offset when the image is an extracted frame.
type ImageRequest struct {
	Path         string
	Prompt       string
	TimestampSec float64
	PageNumber   int
}

type Classifier interface {
	ClassifyText(ctx context.Context, req TextRequest) ([]Finding, error)
	ClassifyImage(ctx context.Context, req ImageRequest) ([]Finding, error)
}
