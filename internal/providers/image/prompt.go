package image

import (
	"sort"
	"strings"
)

// Style is a named prompt preset.
type Style string

const qualitySuffix = "high quality, professional photography, 8k resolution"

var styles = map[Style]string{
	"glamour":    "professional glamour photography, soft lighting, luxury aesthetic, beauty portrait, high fashion, studio lighting",
	"fitness":    "gym motivation, athletic pose, inspirational fitness, strength, professional sports photography",
	"lifestyle":  "casual lifestyle, natural lighting, authentic moment, everyday aesthetic, relatable content",
	"minimalist": "minimalist style, clean background, modern aesthetic, professional, high contrast, studio lighting",
	"neon":       "neon aesthetic, cyberpunk, vibrant colors, modern, glowing neon lights, dark background",
	"vintage":    "vintage aesthetic, retro style, film photography, classic beauty, warm colors, nostalgic",
	"romantic":   "romantic aesthetic, soft colors, dreamy composition, elegant pose",
}

// Styles lists the known presets in name order.
func Styles() []Style {
	out := make([]Style, 0, len(styles))
	for s := range styles {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SplitStyle peels a leading preset name off free-form input. Unknown first
// words stay part of the prompt.
func SplitStyle(input string) (Style, string) {
	input = strings.TrimSpace(input)
	first, rest, _ := strings.Cut(input, " ")
	if _, ok := styles[Style(strings.ToLower(first))]; ok {
		return Style(strings.ToLower(first)), strings.TrimSpace(rest)
	}
	return "", input
}

// BuildPrompt expands the user's description with the preset and the quality
// suffix sent to the model.
func BuildPrompt(prompt string, style Style) string {
	prompt = strings.TrimSpace(prompt)
	if preset, ok := styles[style]; ok {
		return preset + ", " + prompt + ", " + qualitySuffix
	}
	return prompt + ", " + qualitySuffix
}
