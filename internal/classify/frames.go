package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
)

const DefaultMaxFrames = 20

// Frame is one still extracted from a video, with its offset.
type Frame struct {
	Path         string
	TimestampSec float64
}

// FrameExtractor samples stills from a video for visual classification.
type FrameExtractor interface {
	// Extract writes frames to a temp directory and returns them with a
	// cleanup func the caller must run.
	Extract(ctx context.Context, path string, intervalSec, maxFrames int) ([]Frame, func(), error)
}

// FFmpegExtractor shells out to ffmpeg/ffprobe.
type FFmpegExtractor struct{}

func NewFFmpegExtractor() *FFmpegExtractor {
	return &FFmpegExtractor{}
}

func (e *FFmpegExtractor) Extract(ctx context.Context, path string, intervalSec, maxFrames int) ([]Frame, func(), error) {
	if intervalSec <= 0 {
		intervalSec = 5
	}
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	dir, err := os.MkdirTemp("", "review-frames-")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	pattern := filepath.Join(dir, "frame-%05d.jpg")
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-vf", fmt.Sprintf("fps=1/%d", intervalSec),
		"-frames:v", strconv.Itoa(maxFrames),
		pattern,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("ffmpeg failed: %v (%s)", err, stderr.String())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	frames := make([]Frame, 0, len(names))
	for i, name := range names {
		frames = append(frames, Frame{
			Path:         filepath.Join(dir, name),
			TimestampSec: float64(i * intervalSec),
		})
	}
	return frames, cleanup, nil
}

// ProbeDuration reads the container duration in seconds via ffprobe.
func ProbeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe failed: %v (%s)", err, stderr.String())
	}
	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out.Bytes(), &probe); err != nil {
		return 0, err
	}
	if probe.Format.Duration == "" {
		return 0, fmt.Errorf("no duration in ffprobe output")
	}
	return strconv.ParseFloat(probe.Format.Duration, 64)
}
