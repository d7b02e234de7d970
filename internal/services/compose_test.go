package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// fakeRunner records invocations and writes a placeholder output file
// so the orchestration's stat/read steps succeed.
type fakeRunner struct {
	calls [][]string
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	r.calls = append(r.calls, append([]string{name}, args...))

	// The output path is the final argument in every ffmpeg invocation.
	out := args[len(args)-1]
	return os.WriteFile(out, []byte("fake video data"), 0644)
}

func (r *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return []byte("14.4\n"), nil
}

func testConstraints() Constraints {
	return Constraints{
		Width:            1080,
		Height:           1920,
		FPS:              30,
		ClipSeconds:      5.0,
		CrossfadeSeconds: 0.3,
		MaxOutputBytes:   80 * 1024 * 1024,
	}
}

func TestComposeHappyPath(t *testing.T) {
	tempDir := t.TempDir()
	runner := &fakeRunner{}
	composer := NewComposer(runner, tempDir, testConstraints(), zerolog.Nop())

	clipA := filepath.Join(tempDir, "src_a.mp4")
	clipB := filepath.Join(tempDir, "src_b.mp4")
	os.WriteFile(clipA, []byte("a"), 0644)
	os.WriteFile(clipB, []byte("b"), 0644)

	result, err := composer.Compose(context.Background(), "job-1", []string{clipA, clipB}, "Sea View Loft")
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}

	if result.DurationMs != 14400 {
		t.Errorf("duration = %d ms, want 14400", result.DurationMs)
	}
	if result.SizeBytes == 0 {
		t.Error("size should be non-zero")
	}
	if _, err := os.Stat(result.Path); err != nil {
		t.Errorf("final file missing: %v", err)
	}

	// The per-job work directory must be gone.
	if _, err := os.Stat(filepath.Join(tempDir, "job_job-1")); !os.IsNotExist(err) {
		t.Error("work dir should be removed after composition")
	}

	var sawXfade, sawDrawtext bool
	for _, call := range runner.calls {
		joined := strings.Join(call, " ")
		if strings.Contains(joined, "xfade=") {
			sawXfade = true
		}
		if strings.Contains(joined, "drawtext=") {
			sawDrawtext = true
		}
	}
	if !sawXfade {
		t.Error("expected an xfade invocation for two clips")
	}
	if !sawDrawtext {
		t.Error("expected a drawtext invocation for the overlay")
	}
}

func TestComposeNoOverlaySkipsDrawtext(t *testing.T) {
	tempDir := t.TempDir()
	runner := &fakeRunner{}
	composer := NewComposer(runner, tempDir, testConstraints(), zerolog.Nop())

	clip := filepath.Join(tempDir, "src.mp4")
	os.WriteFile(clip, []byte("a"), 0644)

	if _, err := composer.Compose(context.Background(), "job-2", []string{clip}, ""); err != nil {
		t.Fatalf("Compose error: %v", err)
	}

	for _, call := range runner.calls {
		if strings.Contains(strings.Join(call, " "), "drawtext=") {
			t.Error("drawtext must be skipped when overlay text is empty")
		}
	}
}

func TestComposeRejectsEmptyInput(t *testing.T) {
	composer := NewComposer(&fakeRunner{}, t.TempDir(), testConstraints(), zerolog.Nop())

	if _, err := composer.Compose(context.Background(), "job-3", nil, ""); err == nil {
		t.Fatal("expected error for empty clip list")
	}
}

func TestCrossfadeFilter(t *testing.T) {
	filter, vOut, aOut := CrossfadeFilter(3, 5.0, 0.3)

	if vOut != "[v2]" || aOut != "[a2]" {
		t.Errorf("output labels = %s/%s, want [v2]/[a2]", vOut, aOut)
	}

	// Second join offset: 2 * (5.0 - 0.3) = 9.4
	if !strings.Contains(filter, "offset=9.40") {
		t.Errorf("filter missing second join offset 9.40: %s", filter)
	}
	if !strings.Contains(filter, "offset=4.70") {
		t.Errorf("filter missing first join offset 4.70: %s", filter)
	}
	if strings.Count(filter, "xfade=") != 2 {
		t.Errorf("expected 2 xfade stages for 3 clips: %s", filter)
	}
	if strings.Count(filter, "acrossfade=") != 2 {
		t.Errorf("expected 2 acrossfade stages for 3 clips: %s", filter)
	}
	if strings.HasSuffix(filter, ";") {
		t.Error("filter must not end with a dangling separator")
	}
}

func TestNormalizeFilter(t *testing.T) {
	f := NormalizeFilter(testConstraints())

	for _, want := range []string{
		"scale=1080:1920:force_original_aspect_ratio=decrease",
		"pad=1080:1920:(ow-iw)/2:(oh-ih)/2",
		"fps=30",
		"tpad=stop_mode=clone:stop_duration=5.00",
	} {
		if !strings.Contains(f, want) {
			t.Errorf("filter missing %q: %s", want, f)
		}
	}
}

func TestEscapeDrawtext(t *testing.T) {
	got := EscapeDrawtext(`Joe's Place: 100%`)
	if !strings.Contains(got, `\:`) {
		t.Errorf("colon not escaped: %s", got)
	}
	if !strings.Contains(got, `\%`) {
		t.Errorf("percent not escaped: %s", got)
	}
	if !strings.Contains(got, `'\''`) {
		t.Errorf("single quote not escaped: %s", got)
	}
}

func TestTargetBitrates(t *testing.T) {
	// 80 MB over 20 seconds: (80*1024*1024*8 / 20 / 1000) * 0.95 - 96
	videoKbps, audioKbps := TargetBitrates(80*1024*1024, 20.0)

	if audioKbps != 96 {
		t.Errorf("audio = %dk, want 96k", audioKbps)
	}
	if videoKbps < 30000 || videoKbps > 33000 {
		t.Errorf("video = %dk, expected roughly 31770k", videoKbps)
	}
}

func TestTargetBitratesFloor(t *testing.T) {
	// A tiny budget over a long duration must not collapse to nothing.
	videoKbps, _ := TargetBitrates(1024*1024, 3600.0)
	if videoKbps != 300 {
		t.Errorf("video = %dk, want floor of 300k", videoKbps)
	}
}

func TestTargetBitratesZeroDuration(t *testing.T) {
	videoKbps, _ := TargetBitrates(80*1024*1024, 0)
	if videoKbps <= 0 {
		t.Errorf("video = %dk, want a positive fallback", videoKbps)
	}
}
