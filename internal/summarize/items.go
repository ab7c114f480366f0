package summarize

import (
	"regexp"
	"strings"
)

// Item is one line of a digest. Label is empty when the line had no "Label: value" form.
type Item struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

var (
	numberedLine = regexp.MustCompile(`^\d+[.)]\s*(.+)$`)
	lineBreak    = regexp.MustCompile(`\r?\n`)
)

// maxLabelRunes keeps sentences that merely contain a colon out of the label.
const maxLabelRunes = 80

// ParseItems splits a digest into items, dropping "1." / "1)" markers.
// Lines without a marker become a single-value item.
func ParseItems(text string) []Item {
	var items []Item
	for _, line := range lineBreak.Split(text, -1) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := numberedLine.FindStringSubmatch(line); m != nil {
			items = append(items, splitLabel(strings.TrimSpace(m[1])))
			continue
		}
		items = append(items, Item{Value: line})
	}
	return items
}

func splitLabel(s string) Item {
	idx := strings.Index(s, ":")
	if idx <= 0 {
		return Item{Value: s}
	}
	label := strings.TrimSpace(strings.Trim(s[:idx], "*"))
	value := strings.TrimSpace(strings.Trim(s[idx+1:], "*"))
	if label == "" || value == "" || len([]rune(label)) > maxLabelRunes {
		return Item{Value: s}
	}
	return Item{Label: label, Value: value}
}
