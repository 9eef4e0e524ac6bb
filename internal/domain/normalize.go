package domain

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// TruncationMarker is appended to text cut at the length limit.
const TruncationMarker = "…"

// Normalize turns a record into its publishable form. maxLength is measured in
// characters (runes) of the trimmed, NFC-normalized text; zero or less
// disables truncation. maxImages caps the number of image attachments kept;
// zero or less keeps none.
func Normalize(record Record, maxLength, maxImages int) NormalizedUnit {
	text, truncated := truncateText(strings.TrimSpace(norm.NFC.String(record.Text)), maxLength)

	unit := NormalizedUnit{
		PublishText:  text,
		WasTruncated: truncated,
	}

	for _, a := range record.Attachments {
		if a.Kind != MediaImage || strings.TrimSpace(a.Path) == "" {
			unit.Dropped++
			continue
		}
		if len(unit.MediaPaths) >= maxImages {
			unit.Dropped++
			continue
		}
		unit.MediaPaths = append(unit.MediaPaths, a.Path)
	}

	return unit
}

// truncateText cuts s to at most maxLength runes, ending in TruncationMarker
// when anything was removed.
func truncateText(s string, maxLength int) (string, bool) {
	runes := []rune(s)
	if maxLength <= 0 || len(runes) <= maxLength {
		return s, false
	}

	marker := []rune(TruncationMarker)
	if maxLength <= len(marker) {
		return string(runes[:maxLength]), true
	}

	head := strings.TrimRightFunc(string(runes[:maxLength-len(marker)]), unicode.IsSpace)
	return head + TruncationMarker, true
}
