package graph

import (
	"fmt"
	"regexp"
	"strings"
)

// conceptPlaceholder is a generic token prompts may use instead of the
// trigger word.
const conceptPlaceholder = "<concept>"

// embeddingStrength maps a LoRA strength onto the embedding weight range
// [0.5, 1.0].
func embeddingStrength(loraStrength float64) float64 {
	return 0.5 + 0.5*min(max(loraStrength, 0), 1)
}

// injectTrigger makes sure the installed bundle's trigger appears in the
// prompt. Mentions of the trigger word, with or without angle brackets, and
// of the concept placeholder are replaced case-insensitively. A prompt
// without any mention gets a clause suited to the bundle's mode.
func injectTrigger(prompt string, inst *Installed, loraStrength float64) string {
	ref := inst.Trigger
	if inst.Embedding != "" {
		ref = fmt.Sprintf("(embedding:%s:%.2f)", inst.Embedding, embeddingStrength(loraStrength))
	}

	alts := []string{regexp.QuoteMeta(conceptPlaceholder)}
	if t := strings.TrimSpace(inst.Trigger); t != "" {
		q := regexp.QuoteMeta(t)
		alts = append(alts, "<"+q+">", `\b`+q+`\b`)
	}
	re := regexp.MustCompile(`(?i)(` + strings.Join(alts, "|") + `)`)

	if re.MatchString(prompt) {
		return re.ReplaceAllLiteralString(prompt, ref)
	}

	switch inst.Mode {
	case ModeStyle:
		return fmt.Sprintf("in the style of %s, %s", ref, prompt)
	default:
		return fmt.Sprintf("%s, %s", ref, prompt)
	}
}
