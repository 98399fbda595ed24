// Package composer assembles a job's generated assets into the final
// video. It plans a weighted timeline over the visual assets, encodes
// each slot as a uniform segment, merges the segments, mixes the audio
// track and registers the result in the media root.
package composer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer/pkg/prober"
	"github.com/Asdafers/contenitzer/pkg/schemas"
	"github.com/Asdafers/contenitzer/pkg/storage"
)

// stderrTailLines bounds the raw encoder output kept for diagnostics.
const stderrTailLines = 40

// Options configures the Composer.
type Options struct {
	// FFmpegPath overrides the encoder binary, default "ffmpeg".
	FFmpegPath string
}

// Composer drives ffmpeg over a planned timeline. One Compose call runs
// single-threaded; separate jobs may compose concurrently.
type Composer struct {
	media  *storage.Manager
	prober *prober.Prober
	ffmpeg string
	log    zerolog.Logger
}

// New creates a Composer writing through the given media manager.
func New(media *storage.Manager, pr *prober.Prober, opts Options, log zerolog.Logger) *Composer {
	ffmpeg := opts.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Composer{
		media:  media,
		prober: pr,
		ffmpeg: ffmpeg,
		log:    log.With().Str("component", "composer").Logger(),
	}
}

// Request carries everything one composition needs. Scenes supply the
// duration weights from the analysis step; MusicPath, when set, is an
// already-fetched background music file.
type Request struct {
	JobID      string
	Assets     []*schemas.Asset
	Scenes     []schemas.SceneDescription
	Settings   schemas.CompositionSettings
	MusicPath  string
	OnProgress func(Progress)
	OnLog      func(string)
}

// Compose renders the final video and returns its record. The file is
// moved into the videos area and probed; registration in the job store
// is the caller's step.
func (c *Composer) Compose(ctx context.Context, req Request) (*schemas.GeneratedVideo, error) {
	timeline, err := PlanTimeline(req.Assets, req.Scenes, req.Settings.TargetDuration.Duration)
	if err != nil {
		return nil, err
	}

	builder, err := newCommandBuilder(c.ffmpeg, req.Settings)
	if err != nil {
		return nil, err
	}

	workDir, err := c.media.Allocate(req.JobID, storage.AreaTemp)
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("job_id", req.JobID).
		Int("slots", len(timeline.Slots)).
		Dur("target", timeline.Total).
		Msg("composing video")

	withAudio := req.Settings.IncludeAudio && (len(timeline.Narration) > 0 || req.MusicPath != "")

	// Phase spans across the whole composition percentage.
	segmentsEnd := 70.0
	concatEnd := 95.0
	if withAudio {
		segmentsEnd = 60.0
		concatEnd = 75.0
	}

	segments := make([]string, 0, len(timeline.Slots))
	var elapsed time.Duration
	for i, slot := range timeline.Slots {
		segPath := filepath.Join(workDir, fmt.Sprintf("segment_%02d.mp4", i))
		cmd, err := builder.Segment(slot, segPath)
		if err != nil {
			return nil, err
		}

		base := segmentsEnd * float64(elapsed) / float64(timeline.Total)
		span := segmentsEnd * float64(slot.Duration) / float64(timeline.Total)
		if err := c.run(ctx, "segment encode", cmd, slot.Duration, base, span, req); err != nil {
			return nil, err
		}
		segments = append(segments, segPath)
		elapsed += slot.Duration
	}

	listFile := filepath.Join(workDir, "segments.txt")
	if err := writeConcatList(listFile, segments); err != nil {
		return nil, err
	}
	visualsPath := filepath.Join(workDir, "visuals.mp4")
	concatSpan := concatEnd - segmentsEnd
	if err := c.run(ctx, "segment concat", builder.Concat(listFile, visualsPath), timeline.Total, segmentsEnd, concatSpan, req); err != nil {
		return nil, err
	}

	finalSource := visualsPath
	if withAudio {
		audioPath, err := c.buildAudioTrack(ctx, builder, timeline, req, workDir, concatEnd)
		if err != nil {
			return nil, err
		}
		if audioPath != "" {
			muxedPath := filepath.Join(workDir, "final.mp4")
			if err := c.run(ctx, "mux", builder.Mux(visualsPath, audioPath, muxedPath), timeline.Total, 85, 10, req); err != nil {
				return nil, err
			}
			finalSource = muxedPath
		}
	}

	videoID := uuid.NewString()
	finalPath, err := c.media.PromoteVideo(finalSource, videoID)
	if err != nil {
		return nil, err
	}

	report, err := c.prober.Probe(ctx, finalPath)
	if err != nil {
		// Remove the file rather than leave an unverifiable video behind.
		os.Remove(finalPath)
		return nil, fmt.Errorf("probing final video: %w", err)
	}

	resolution := report.Resolution()
	if resolution == "" {
		resolution = req.Settings.Resolution
	}

	video := &schemas.GeneratedVideo{
		ID:         videoID,
		JobID:      req.JobID,
		FilePath:   finalPath,
		Duration:   schemas.Duration{Duration: report.Duration},
		Resolution: resolution,
		Format:     report.Container(),
		FileSize:   report.Size,
		CreatedAt:  time.Now().UTC(),
	}

	if req.OnProgress != nil {
		req.OnProgress(Progress{Phase: "finalize", Percent: 100})
	}
	c.log.Info().
		Str("job_id", req.JobID).
		Str("video_id", videoID).
		Dur("duration", report.Duration).
		Int64("size", report.Size).
		Msg("video composed")

	return video, nil
}

// buildAudioTrack produces the audio file to mux: narration clips joined
// in scene order, with background music mixed underneath when supplied.
// Returns "" when there is nothing to lay down.
func (c *Composer) buildAudioTrack(ctx context.Context, builder *CommandBuilder, timeline *Timeline, req Request, workDir string, base float64) (string, error) {
	if len(timeline.Narration) == 0 {
		// Music only.
		return req.MusicPath, nil
	}

	files := make([]string, 0, len(timeline.Narration))
	for _, asset := range timeline.Narration {
		files = append(files, asset.FilePath)
	}
	listFile := filepath.Join(workDir, "narration.txt")
	if err := writeConcatList(listFile, files); err != nil {
		return "", err
	}

	narrationPath := filepath.Join(workDir, "narration.mp3")
	if err := c.run(ctx, "narration concat", builder.NarrationConcat(listFile, narrationPath), timeline.Total, base, 5, req); err != nil {
		return "", err
	}

	if req.MusicPath == "" {
		return narrationPath, nil
	}

	mixedPath := filepath.Join(workDir, "audio.m4a")
	if err := c.run(ctx, "audio mix", builder.Mix(narrationPath, req.MusicPath, mixedPath), timeline.Total, base+5, 5, req); err != nil {
		return "", err
	}
	return mixedPath, nil
}

// run executes one encoder invocation, streaming stderr through the
// progress parser. base and span place this invocation's progress within
// the whole composition.
func (c *Composer) run(ctx context.Context, step string, cmd *Command, expected time.Duration, base, span float64, req Request) error {
	parser := NewProgressParser()
	parser.SetTotalDuration(expected)

	execCmd := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	stderr, err := execCmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := execCmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", step, err)
	}

	tail := newTailBuffer(stderrTailLines)
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			tail.Add(line)
			if req.OnLog != nil {
				req.OnLog(line)
			}
			if p := parser.ParseLine(line); p != nil && req.OnProgress != nil {
				p.Phase = step
				p.Percent = base + span*parser.ComputePercentage(p)/100
				req.OnProgress(*p)
			}
		}
	}()

	waitErr := execCmd.Wait()
	<-done

	if waitErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &CompositionError{
			Step:     step,
			ExitCode: exitCode,
			Stderr:   tail.String(),
			Err:      waitErr,
		}
	}
	return nil
}

// writeConcatList writes a concat-demuxer list file.
func writeConcatList(path string, files []string) error {
	var sb strings.Builder
	for _, file := range files {
		fmt.Fprintf(&sb, "file '%s'\n", file)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("writing concat list: %w", err)
	}
	return nil
}

// tailBuffer keeps the last lines written to it.
type tailBuffer struct {
	lines []string
	max   int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Add(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[1:]
	}
}

func (b *tailBuffer) String() string {
	return strings.Join(b.lines, "\n")
}
