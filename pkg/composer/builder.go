package composer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Asdafers/contenitzer/pkg/schemas"
)

// qualityTier maps a requested quality to encoder settings.
type qualityTier struct {
	preset string
	crf    int
	fps    int
	fade   time.Duration
}

var qualityTiers = map[string]qualityTier{
	schemas.QualityDraft:    {preset: "ultrafast", crf: 28, fps: 24, fade: 200 * time.Millisecond},
	schemas.QualityStandard: {preset: "fast", crf: 23, fps: 30, fade: 300 * time.Millisecond},
	schemas.QualityHigh:     {preset: "slow", crf: 18, fps: 30, fade: 500 * time.Millisecond},
}

// musicVolume is the level background music is mixed in at, relative to
// the narration track.
const musicVolume = 0.2

// Command is one encoder invocation.
type Command struct {
	Args []string
}

// CommandBuilder renders timeline slots into ffmpeg invocations.
type CommandBuilder struct {
	ffmpeg string
	width  int
	height int
	tier   qualityTier
}

func newCommandBuilder(ffmpegPath string, settings schemas.CompositionSettings) (*CommandBuilder, error) {
	width, height, err := schemas.ParseResolution(settings.Resolution)
	if err != nil {
		return nil, fmt.Errorf("composition resolution: %w", err)
	}
	tier, ok := qualityTiers[settings.Quality]
	if !ok {
		return nil, fmt.Errorf("unknown quality tier %q", settings.Quality)
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &CommandBuilder{
		ffmpeg: ffmpegPath,
		width:  width,
		height: height,
		tier:   tier,
	}, nil
}

// Segment encodes one timeline slot into a uniform video segment: still
// images are looped for the slot duration, clips are trimmed (or looped
// when shorter than the slot), everything is scaled and padded to the
// target resolution with fades and the caption burned in.
func (b *CommandBuilder) Segment(slot Slot, outFile string) (*Command, error) {
	args := []string{b.ffmpeg, "-y"}

	switch slot.Visual.Type {
	case schemas.AssetTypeImage:
		args = append(args, "-loop", "1", "-i", slot.Visual.FilePath)
	case schemas.AssetTypeVideoClip:
		clipDur := slot.Visual.Duration()
		if clipDur > 0 && clipDur < slot.Duration {
			loops := int(slot.Duration/clipDur) + 1
			args = append(args, "-stream_loop", strconv.Itoa(loops), "-i", slot.Visual.FilePath)
		} else {
			args = append(args, "-i", slot.Visual.FilePath)
		}
	default:
		return nil, fmt.Errorf("asset %s is not a visual type", slot.Visual.ID)
	}

	args = append(args,
		"-t", fmt.Sprintf("%.3f", slot.Duration.Seconds()),
		"-vf", b.segmentFilter(slot),
		"-r", strconv.Itoa(b.tier.fps),
		"-c:v", "libx264",
		"-preset", b.tier.preset,
		"-crf", strconv.Itoa(b.tier.crf),
		"-pix_fmt", "yuv420p",
		"-an",
		outFile,
	)
	return &Command{Args: args}, nil
}

func (b *CommandBuilder) segmentFilter(slot Slot) string {
	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", b.width, b.height),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2", b.width, b.height),
		"setsar=1",
	}

	// Fades need room on both ends of the slot.
	if b.tier.fade > 0 && slot.Duration >= 4*b.tier.fade {
		fade := b.tier.fade.Seconds()
		filters = append(filters,
			fmt.Sprintf("fade=t=in:st=0:d=%.3f", fade),
			fmt.Sprintf("fade=t=out:st=%.3f:d=%.3f", slot.Duration.Seconds()-fade, fade),
		)
	}

	if slot.Overlay != nil && slot.Overlay.Overlay != nil {
		filters = append(filters, drawtextFilter(slot.Overlay.Overlay.Text))
	}

	return strings.Join(filters, ",")
}

// Concat merges the encoded segments via the concat demuxer. The
// segments share codec, dimensions and frame rate, so stream copy is
// safe.
func (b *CommandBuilder) Concat(listFile, outFile string) *Command {
	return &Command{Args: []string{
		b.ffmpeg, "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		"-movflags", "+faststart",
		outFile,
	}}
}

// NarrationConcat joins the per-scene narration files in order.
func (b *CommandBuilder) NarrationConcat(listFile, outFile string) *Command {
	return &Command{Args: []string{
		b.ffmpeg, "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c:a", "copy",
		outFile,
	}}
}

// Mix lays background music under the narration. The music input loops
// for as long as the narration runs.
func (b *CommandBuilder) Mix(narrationFile, musicFile, outFile string) *Command {
	filter := fmt.Sprintf(
		"[1:a]volume=%.2f[bg];[0:a][bg]amix=inputs=2:duration=first:normalize=0[aout]",
		musicVolume,
	)
	return &Command{Args: []string{
		b.ffmpeg, "-y",
		"-i", narrationFile,
		"-stream_loop", "-1",
		"-i", musicFile,
		"-filter_complex", filter,
		"-map", "[aout]",
		"-c:a", "aac",
		"-b:a", "192k",
		outFile,
	}}
}

// Mux combines the silent video track with the audio track.
func (b *CommandBuilder) Mux(videoFile, audioFile, outFile string) *Command {
	return &Command{Args: []string{
		b.ffmpeg, "-y",
		"-i", videoFile,
		"-i", audioFile,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-movflags", "+faststart",
		outFile,
	}}
}

func drawtextFilter(text string) string {
	return fmt.Sprintf(
		"drawtext=text='%s':fontcolor=white:fontsize=48:box=1:boxcolor=black@0.5:boxborderw=12:x=(w-tw)/2:y=h-th-60",
		escapeDrawText(text),
	)
}

func escapeDrawText(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", `\'`)
	s = strings.ReplaceAll(s, ":", `\:`)
	return s
}
