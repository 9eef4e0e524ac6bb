package bluesky

import (
	"regexp"
	"strings"

	"github.com/blackmichael/imessage-bluesky/internal/domain"
)

// Facet annotates a byte range of post text.
type Facet struct {
	Index    ByteSlice      `json:"index"`
	Features []FacetFeature `json:"features"`
}

// ByteSlice is a half-open range of UTF-8 byte offsets into the post text.
type ByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

// FacetFeature is a rich text feature. Only links are produced.
type FacetFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri"`
}

var linkPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// trailing punctuation that usually ends a sentence rather than a URL
const linkTrailing = ".,;:!?)]}'" + domain.TruncationMarker

// LinkFacets finds http(s) URLs in text and returns link facets for them.
// The remote API does not linkify text on its own. A URL cut short by
// truncation at the end of the text gets no facet.
func LinkFacets(text string) []Facet {
	var facets []Facet
	for _, loc := range linkPattern.FindAllStringIndex(text, -1) {
		raw := text[loc[0]:loc[1]]
		if loc[1] == len(text) && strings.HasSuffix(raw, domain.TruncationMarker) {
			continue
		}
		uri := strings.TrimRight(raw, linkTrailing)
		if len(uri) <= len("https://") {
			continue
		}
		facets = append(facets, Facet{
			Index: ByteSlice{ByteStart: loc[0], ByteEnd: loc[0] + len(uri)},
			Features: []FacetFeature{{
				Type: "app.bsky.richtext.facet#link",
				URI:  uri,
			}},
		})
	}
	return facets
}
