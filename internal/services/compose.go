package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Composition engine.
// Downloads the generated clips, normalizes them to a common
// resolution/framerate/duration, joins them with crossfade transitions (or a
// cheap concat when crossfade is disabled), overlays brand text and enforces
// the output size budget. All media work happens in ffmpeg/ffprobe
// subprocesses behind the Runner seam.
// ---------------------------------------------------------------------------

// Constraints are the uniform output parameters for a composed video.
type Constraints struct {
	Width            int
	Height           int
	FPS              int
	ClipSeconds      float64 // per-clip duration after normalization
	CrossfadeSeconds float64 // 0 disables transitions
	MaxOutputBytes   int64
}

type ComposeResult struct {
	Path       string // final file; caller removes it after upload
	DurationMs int
	SizeBytes  int64
}

type Composer struct {
	runner     Runner
	httpClient *http.Client
	tempDir    string
	cons       Constraints
	logger     zerolog.Logger
}

func NewComposer(runner Runner, tempDir string, cons Constraints, logger zerolog.Logger) *Composer {
	// Best effort; Compose recreates the hierarchy per job.
	_ = os.MkdirAll(tempDir, 0755)

	return &Composer{
		runner:     runner,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		tempDir:    tempDir,
		cons:       cons,
		logger:     logger.With().Str("component", "composer").Logger(),
	}
}

// Compose turns an ordered list of clip locations (http(s) URLs or
// local paths) into one branded, size-capped video. Intermediate files
// are removed unconditionally; only the returned final file survives.
func (c *Composer) Compose(ctx context.Context, jobID string, clipLocations []string, overlayText string) (*ComposeResult, error) {
	if len(clipLocations) == 0 {
		return nil, fmt.Errorf("no clips to compose")
	}

	workDir := filepath.Join(c.tempDir, "job_"+jobID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	finalPath := filepath.Join(c.tempDir, fmt.Sprintf("render_%s.mp4", jobID))

	// 1. Fetch every clip to local storage.
	rawPaths := make([]string, len(clipLocations))
	for i, loc := range clipLocations {
		path := filepath.Join(workDir, fmt.Sprintf("raw_%d.mp4", i))
		if err := c.fetchClip(ctx, loc, path); err != nil {
			return nil, fmt.Errorf("failed to fetch clip %d: %w", i, err)
		}
		rawPaths[i] = path
	}

	// 2. Normalize each clip so the compose step gets uniform inputs.
	normPaths := make([]string, len(rawPaths))
	for i, raw := range rawPaths {
		norm := filepath.Join(workDir, fmt.Sprintf("norm_%d.mp4", i))
		if err := c.normalizeClip(ctx, raw, norm); err != nil {
			return nil, fmt.Errorf("failed to normalize clip %d: %w", i, err)
		}
		normPaths[i] = norm
	}

	// 3. Join the normalized clips.
	joined := filepath.Join(workDir, "joined.mp4")
	if c.cons.CrossfadeSeconds > 0 && len(normPaths) > 1 {
		if err := c.crossfadeClips(ctx, normPaths, joined); err != nil {
			return nil, fmt.Errorf("failed to crossfade clips: %w", err)
		}
	} else {
		if err := c.concatClips(ctx, workDir, normPaths, joined); err != nil {
			return nil, fmt.Errorf("failed to concatenate clips: %w", err)
		}
	}

	// 4. Brand text overlay (optional).
	branded := joined
	if overlayText != "" {
		branded = filepath.Join(workDir, "branded.mp4")
		if err := c.overlayText(ctx, joined, branded, overlayText); err != nil {
			return nil, fmt.Errorf("failed to overlay text: %w", err)
		}
	}

	// 5. Enforce the size budget, writing the final file outside workDir.
	if err := c.enforceSizeBudget(ctx, branded, finalPath); err != nil {
		return nil, err
	}

	durationMs, err := c.probeDurationMs(ctx, finalPath)
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not probe final duration")
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat final render: %w", err)
	}

	c.logger.Info().
		Str("job_id", jobID).
		Int("clips", len(clipLocations)).
		Int("duration_ms", durationMs).
		Int64("size_bytes", info.Size()).
		Msg("composition complete")

	return &ComposeResult{Path: finalPath, DurationMs: durationMs, SizeBytes: info.Size()}, nil
}

// fetchClip downloads an http(s) clip, or links a local one (the Veo
// backend hands clips over as local paths).
func (c *Composer) fetchClip(ctx context.Context, location, dest string) error {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		data, err := os.ReadFile(location)
		if err != nil {
			return fmt.Errorf("failed to read local clip: %w", err)
		}
		return os.WriteFile(dest, data, 0644)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", location, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("clip download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clip download returned status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create clip file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write clip file: %w", err)
	}
	return nil
}

// normalizeClip scales and letterboxes to the target resolution,
// resamples to the target framerate and trims/pads to the fixed
// per-clip duration. The source audio track is replaced with a uniform
// silent stereo bed so every normalized clip has an identical stream
// layout for the crossfade graph (generated clips are silent anyway).
func (c *Composer) normalizeClip(ctx context.Context, inputPath, outputPath string) error {
	vf := NormalizeFilter(c.cons)
	clipDur := fmt.Sprintf("%.2f", c.cons.ClipSeconds)

	args := []string{
		"-i", inputPath,
		"-f", "lavfi", "-t", clipDur, "-i", "anullsrc=channel_layout=stereo:sample_rate=44100",
		"-filter_complex", "[0:v]" + vf + "[v]",
		"-map", "[v]",
		"-map", "1:a",
		"-t", clipDur,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", "128k",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	}

	return c.runner.Run(ctx, "ffmpeg", args...)
}

// NormalizeFilter builds the per-clip video filter chain: scale
// preserving aspect ratio, letterbox to the exact target frame,
// resample the framerate, then clone the last frame to pad clips that
// run short of the fixed duration.
func NormalizeFilter(cons Constraints) string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%d,tpad=stop_mode=clone:stop_duration=%.2f",
		cons.Width, cons.Height, cons.Width, cons.Height, cons.FPS, cons.ClipSeconds,
	)
}

// crossfadeClips builds one xfade/acrossfade chain joining every
// adjacent pair of clips over the configured transition duration, and
// encodes with a faststart layout.
func (c *Composer) crossfadeClips(ctx context.Context, clipPaths []string, outputPath string) error {
	args := make([]string, 0, len(clipPaths)*2+12)
	for _, p := range clipPaths {
		args = append(args, "-i", p)
	}

	filter, vOut, aOut := CrossfadeFilter(len(clipPaths), c.cons.ClipSeconds, c.cons.CrossfadeSeconds)

	args = append(args,
		"-filter_complex", filter,
		"-map", vOut,
		"-map", aOut,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", "128k",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	)

	return c.runner.Run(ctx, "ffmpeg", args...)
}

// CrossfadeFilter constructs the filter_complex chain for n uniform
// clips of clipSec seconds with a fade of cfSec seconds between each
// adjacent pair. Video pairs cross-dissolve via xfade; audio tracks mix
// via acrossfade. Returns the graph plus the output stream labels.
//
// The k-th join starts at k*(clipSec-cfSec) because each earlier
// transition shortens the running total by one overlap.
func CrossfadeFilter(n int, clipSec, cfSec float64) (filter, videoOut, audioOut string) {
	var b strings.Builder

	prevV, prevA := "[0:v]", "[0:a]"
	for i := 1; i < n; i++ {
		vOut := fmt.Sprintf("[v%d]", i)
		aOut := fmt.Sprintf("[a%d]", i)

		offset := float64(i) * (clipSec - cfSec)
		fmt.Fprintf(&b, "%s[%d:v]xfade=transition=fade:duration=%.2f:offset=%.2f%s;",
			prevV, i, cfSec, offset, vOut)
		fmt.Fprintf(&b, "%s[%d:a]acrossfade=d=%.2f%s;", prevA, i, cfSec, aOut)

		prevV, prevA = vOut, aOut
	}

	filter = strings.TrimSuffix(b.String(), ";")
	return filter, prevV, prevA
}

// concatClips performs a straight concatenation via the concat demuxer.
// No re-encode: the normalized clips already share codec parameters.
func (c *Composer) concatClips(ctx context.Context, workDir string, clipPaths []string, outputPath string) error {
	listPath := filepath.Join(workDir, "concat_list.txt")
	f, err := os.Create(listPath)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}

	for _, path := range clipPaths {
		// FFmpeg concat format
		fmt.Fprintf(f, "file '%s'\n", path)
	}
	f.Close()

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}

	return c.runner.Run(ctx, "ffmpeg", args...)
}

// overlayText burns a short brand line near the bottom of the frame
// with a readable drop shadow. Audio is passed through untouched.
func (c *Composer) overlayText(ctx context.Context, inputPath, outputPath, text string) error {
	vf := fmt.Sprintf(
		"drawtext=text='%s':fontcolor=white:fontsize=54:shadowcolor=black@0.6:shadowx=2:shadowy=2:x=(w-text_w)/2:y=h-text_h-120",
		EscapeDrawtext(text),
	)

	args := []string{
		"-i", inputPath,
		"-vf", vf,
		"-c:v", "libx264",
		"-c:a", "copy",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}

	return c.runner.Run(ctx, "ffmpeg", args...)
}

// EscapeDrawtext escapes the characters ffmpeg's drawtext filter treats
// specially inside a single-quoted text value.
func EscapeDrawtext(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, ":", "\\:")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "'", "'\\''")
	return s
}

// enforceSizeBudget moves the composed file to finalPath, re-encoding
// at a computed bitrate when it exceeds the configured maximum size.
func (c *Composer) enforceSizeBudget(ctx context.Context, inputPath, finalPath string) error {
	info, err := os.Stat(inputPath)
	if err != nil {
		return fmt.Errorf("failed to stat composed file: %w", err)
	}

	if c.cons.MaxOutputBytes <= 0 || info.Size() <= c.cons.MaxOutputBytes {
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return fmt.Errorf("failed to read composed file: %w", err)
		}
		return os.WriteFile(finalPath, data, 0644)
	}

	durationMs, err := c.probeDurationMs(ctx, inputPath)
	if err != nil {
		return fmt.Errorf("failed to probe duration for re-encode: %w", err)
	}

	videoKbps, audioKbps := TargetBitrates(c.cons.MaxOutputBytes, float64(durationMs)/1000.0)

	c.logger.Info().
		Int64("size_bytes", info.Size()).
		Int64("max_bytes", c.cons.MaxOutputBytes).
		Int("video_kbps", videoKbps).
		Msg("output over size budget, re-encoding")

	args := []string{
		"-i", inputPath,
		"-c:v", "libx264",
		"-b:v", fmt.Sprintf("%dk", videoKbps),
		"-maxrate", fmt.Sprintf("%dk", videoKbps*12/10),
		"-bufsize", fmt.Sprintf("%dk", videoKbps*2),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", audioKbps),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y",
		finalPath,
	}

	return c.runner.Run(ctx, "ffmpeg", args...)
}

// TargetBitrates derives the re-encode bitrates from the size budget:
// total bits over duration, less a 5% container margin and a reduced
// audio allocation. The video rate is floored so extreme durations do
// not produce an unwatchable encode.
func TargetBitrates(maxBytes int64, durationSec float64) (videoKbps, audioKbps int) {
	audioKbps = 96
	if durationSec <= 0 {
		return 1000, audioKbps
	}

	totalKbps := int(float64(maxBytes*8) / durationSec / 1000.0 * 0.95)
	videoKbps = totalKbps - audioKbps
	if videoKbps < 300 {
		videoKbps = 300
	}
	return videoKbps, audioKbps
}

// probeDurationMs returns a media file's duration in milliseconds via ffprobe.
func (c *Composer) probeDurationMs(ctx context.Context, path string) (int, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	output, err := c.runner.Output(ctx, "ffprobe", args...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return int(durationSec * 1000), nil
}
