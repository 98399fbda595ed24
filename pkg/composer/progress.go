package composer

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Progress reports encoder activity while a composition step runs.
// Percent is the position within the whole composition, not the current
// encoder invocation.
type Progress struct {
	Phase   string
	Percent float64
	Frame   int
	FPS     float64
	Time    time.Duration
	Speed   float64
}

// ProgressParser extracts progress from ffmpeg stderr lines.
type ProgressParser struct {
	totalDuration time.Duration
	frameRegex    *regexp.Regexp
	fpsRegex      *regexp.Regexp
	timeRegex     *regexp.Regexp
	speedRegex    *regexp.Regexp
}

// NewProgressParser creates a new progress parser
func NewProgressParser() *ProgressParser {
	return &ProgressParser{
		frameRegex: regexp.MustCompile(`frame=\s*(\d+)`),
		fpsRegex:   regexp.MustCompile(`fps=\s*([\d.]+)`),
		timeRegex:  regexp.MustCompile(`time=(\d+:\d{2}:\d{2}\.\d+)`),
		speedRegex: regexp.MustCompile(`speed=\s*([\d.]+)x`),
	}
}

// SetTotalDuration sets the expected output duration of the current
// encoder invocation, used for percentage calculation.
func (pp *ProgressParser) SetTotalDuration(duration time.Duration) {
	pp.totalDuration = duration
}

// ParseLine parses a single line of ffmpeg stderr output. Returns nil if
// the line carries no progress information.
func (pp *ProgressParser) ParseLine(line string) *Progress {
	if !strings.Contains(line, "frame=") {
		return nil
	}

	progress := &Progress{}

	if matches := pp.frameRegex.FindStringSubmatch(line); len(matches) > 1 {
		frame, _ := strconv.Atoi(matches[1])
		progress.Frame = frame
	}

	if matches := pp.fpsRegex.FindStringSubmatch(line); len(matches) > 1 {
		fps, _ := strconv.ParseFloat(matches[1], 64)
		progress.FPS = fps
	}

	if matches := pp.timeRegex.FindStringSubmatch(line); len(matches) > 1 {
		progress.Time = parseFFmpegTime(matches[1])
	}

	if matches := pp.speedRegex.FindStringSubmatch(line); len(matches) > 1 {
		speed, _ := strconv.ParseFloat(matches[1], 64)
		progress.Speed = speed
	}

	return progress
}

// ComputePercentage computes how far through the current invocation the
// encoder is, based on its reported position.
func (pp *ProgressParser) ComputePercentage(progress *Progress) float64 {
	if pp.totalDuration == 0 {
		return 0.0
	}

	percentage := float64(progress.Time) / float64(pp.totalDuration) * 100.0
	if percentage > 100.0 {
		percentage = 100.0
	}

	return percentage
}

// parseFFmpegTime parses FFmpeg's time format (HH:MM:SS.CS)
func parseFFmpegTime(timeStr string) time.Duration {
	parts := strings.Split(timeStr, ":")
	if len(parts) != 3 {
		return 0
	}

	hours, _ := strconv.Atoi(parts[0])
	minutes, _ := strconv.Atoi(parts[1])

	secParts := strings.Split(parts[2], ".")
	seconds, _ := strconv.Atoi(secParts[0])

	var centiseconds int
	if len(secParts) > 1 {
		centiseconds, _ = strconv.Atoi(secParts[1])
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(centiseconds)*10*time.Millisecond
}
