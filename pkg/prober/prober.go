// Package prober reads media file metadata using ffprobe. The composer
// uses it to verify and describe the final rendered video.
package prober

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Prober probes media files using ffprobe
type Prober struct {
	ffprobePath string
}

// Option is a functional option for Prober
type Option func(*Prober)

// WithFFprobePath sets a custom ffprobe binary path
func WithFFprobePath(path string) Option {
	return func(p *Prober) {
		p.ffprobePath = path
	}
}

// New creates a new Prober instance
func New(opts ...Option) *Prober {
	p := &Prober{
		ffprobePath: findFFprobe(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Report describes one probed media file. Width, height, frame rate and
// the video codec come from the first video stream; HasAudio reports
// whether any audio stream is present.
type Report struct {
	Duration   time.Duration
	Size       int64
	BitRate    int64
	FormatName string
	Width      int
	Height     int
	FrameRate  float64
	VideoCodec string
	AudioCodec string
	HasAudio   bool
}

// Resolution returns the video dimensions as "WxH", or "" when the file
// has no video stream.
func (r *Report) Resolution() string {
	if r.Width == 0 && r.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Container returns the short container name. ffprobe reports muxer
// aliases like "mov,mp4,m4a,3gp,3g2,mj2"; the mp4 alias wins when
// present, otherwise the first listed name.
func (r *Report) Container() string {
	names := strings.Split(r.FormatName, ",")
	for _, name := range names {
		if name == "mp4" {
			return "mp4"
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return r.FormatName
}

// Probe inspects a media file and returns its metadata
func (p *Prober) Probe(ctx context.Context, filePath string) (*Report, error) {
	if p.ffprobePath == "" {
		return nil, fmt.Errorf("ffprobe not found in PATH")
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)

	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("ffprobe failed: %s", string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("ffprobe execution error: %w", err)
	}

	return parseFFprobeOutput(output)
}

// findFFprobe locates ffprobe in PATH
func findFFprobe() string {
	candidates := []string{
		"ffprobe",
		"/usr/local/bin/ffprobe",
		"/opt/homebrew/bin/ffprobe",
		"/usr/bin/ffprobe",
	}

	for _, path := range candidates {
		if _, err := exec.LookPath(path); err == nil {
			return path
		}
	}

	return ""
}

// ffprobeOutput represents the raw JSON output from ffprobe
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeStream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`

	// Video fields
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`

	// Common fields
	BitRate  string `json:"bit_rate"`
	Duration string `json:"duration"`
}

// parseFFprobeOutput parses ffprobe JSON output into a Report
func parseFFprobeOutput(data []byte) (*Report, error) {
	var output ffprobeOutput
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	report := &Report{
		Duration:   parseDuration(output.Format.Duration),
		Size:       parseInt64(output.Format.Size),
		BitRate:    parseInt64(output.Format.BitRate),
		FormatName: output.Format.FormatName,
	}

	for _, stream := range output.Streams {
		switch stream.CodecType {
		case "video":
			// First video stream describes the file.
			if report.VideoCodec == "" {
				report.VideoCodec = stream.CodecName
				report.Width = stream.Width
				report.Height = stream.Height
				report.FrameRate = parseFrameRate(stream.RFrameRate)
			}
		case "audio":
			if report.AudioCodec == "" {
				report.AudioCodec = stream.CodecName
			}
			report.HasAudio = true
		}
	}

	return report, nil
}

// parseDuration parses a duration string from ffprobe (seconds as float)
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}

	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}

	return time.Duration(seconds * float64(time.Second))
}

// parseInt64 parses an int64 from string
func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}

	return v
}

// parseFrameRate parses a frame rate from ffprobe format (e.g., "30/1" or "30000/1001")
func parseFrameRate(s string) float64 {
	if s == "" {
		return 0
	}

	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		rate, _ := strconv.ParseFloat(s, 64)
		return rate
	}

	numerator, err1 := strconv.ParseFloat(parts[0], 64)
	denominator, err2 := strconv.ParseFloat(parts[1], 64)

	if err1 != nil || err2 != nil || denominator == 0 {
		return 0
	}

	return numerator / denominator
}
