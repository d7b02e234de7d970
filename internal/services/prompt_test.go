package services

import (
	"strings"
	"testing"

	"github.com/stayreel/renderpipe/internal/models"
)

func TestRenderPrompt(t *testing.T) {
	skeleton := "A cinematic tour of {property_name}, {tone} atmosphere."
	vars := map[string]interface{}{
		"property_name": "Sea View Loft",
		"tone":          "warm",
	}

	got := RenderPrompt(skeleton, vars, "outdoor_1")

	if !strings.Contains(got, "Sea View Loft") {
		t.Errorf("property_name not substituted: %s", got)
	}
	if !strings.Contains(got, "warm atmosphere") {
		t.Errorf("tone not substituted: %s", got)
	}
	if !strings.Contains(got, "Scene: the outdoor of the property.") {
		t.Errorf("slot context missing: %s", got)
	}
}

func TestRenderPromptKeepsUnknownPlaceholders(t *testing.T) {
	got := RenderPrompt("Show the {missing} view.", map[string]interface{}{}, "")
	if !strings.Contains(got, "{missing}") {
		t.Errorf("unknown placeholder should be kept intact: %s", got)
	}
}

func TestHumanizeSlot(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"outdoor_1", "outdoor"},
		{"living_room_2", "living room"},
		{"kitchen", "kitchen"},
	}

	for _, tt := range tests {
		if got := humanizeSlot(tt.in); got != tt.want {
			t.Errorf("humanizeSlot(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOverlayText(t *testing.T) {
	if got := OverlayText(models.JSONB{"overlay_text": "Book Now"}); got != "Book Now" {
		t.Errorf("overlay_text should win, got %q", got)
	}
	if got := OverlayText(models.JSONB{"property_name": "Sea View Loft"}); got != "Sea View Loft" {
		t.Errorf("property_name fallback, got %q", got)
	}
	if got := OverlayText(models.JSONB{"rooms": 3}); got != "" {
		t.Errorf("no usable variable should yield empty, got %q", got)
	}
	if got := OverlayText(nil); got != "" {
		t.Errorf("nil variables should yield empty, got %q", got)
	}
}
