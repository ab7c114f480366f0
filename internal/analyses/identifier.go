package analyses

import (
	"fmt"
	"regexp"
	"time"

	"contract-backend/internal/summarize"
)

var (
	labeledINN = regexp.MustCompile(`(?i)(?:ИНН|INN|TIN)\s*[:\s]*(\d{12}|\d{10})(?:\D|$)`)
	innShaped  = regexp.MustCompile(`(?:^|\D)(\d{12}|\d{10})(?:\D|$)`)
	bareINN    = regexp.MustCompile(`\b\d{10}\b`)
)

// ExtractIdentifier finds a tax-ID-shaped token: a labeled mention first,
// then any summary item value, then a bare 10-digit number.
func ExtractIdentifier(summaryText string, items []summarize.Item) string {
	if m := labeledINN.FindStringSubmatch(summaryText); m != nil {
		return m[1]
	}
	for _, item := range items {
		if m := labeledINN.FindStringSubmatch(item.Label + ": " + item.Value); m != nil {
			return m[1]
		}
	}
	for _, item := range items {
		if m := innShaped.FindStringSubmatch(item.Value); m != nil {
			return m[1]
		}
	}
	return bareINN.FindString(summaryText)
}

// BuildTitle names a finished analysis after its identifier, or after its
// creation time when none was found.
func BuildTitle(identifier string, createdAt time.Time) string {
	if identifier != "" {
		return fmt.Sprintf("ИНН %s · %s", identifier, createdAt.Format("02.01.2006"))
	}
	return "— " + createdAt.Format("02.01.2006 15:04")
}
