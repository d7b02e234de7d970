package services

import (
	"fmt"
	"strings"
)

// RenderPrompt substitutes {variable} placeholders in a template's
// prompt skeleton and appends the slot context so each clip's prompt
// identifies the image it animates. Unknown placeholders are left
// intact rather than silently dropped.
func RenderPrompt(skeleton string, variables map[string]interface{}, slotKey string) string {
	prompt := skeleton
	for key, value := range variables {
		prompt = strings.ReplaceAll(prompt, "{"+key+"}", fmt.Sprintf("%v", value))
	}

	slot := humanizeSlot(slotKey)
	if slot != "" {
		prompt = fmt.Sprintf("%s\n\nScene: the %s of the property.", prompt, slot)
	}

	return prompt
}

// humanizeSlot turns a slot key like "outdoor_1" into "outdoor" for
// prompt text. The trailing index carries no visual meaning.
func humanizeSlot(slotKey string) string {
	parts := strings.Split(slotKey, "_")
	if len(parts) > 1 {
		if _, err := fmt.Sscanf(parts[len(parts)-1], "%d", new(int)); err == nil {
			parts = parts[:len(parts)-1]
		}
	}
	return strings.Join(parts, " ")
}

// OverlayText derives the short brand line burned into the final video
// from the template variables. Empty when no suitable variable exists.
func OverlayText(variables map[string]interface{}) string {
	for _, key := range []string{"overlay_text", "property_name", "brand"} {
		if v, ok := variables[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
