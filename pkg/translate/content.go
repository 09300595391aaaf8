package translate

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/polyrelay/polyrelay/pkg/wire"
)

// newID mints a fresh wire-level identifier with a family-style prefix.
func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// dataURI packs an inline base64 image into the data-URI form used by
// OpenAI-style image parts.
func dataURI(mediaType, data string) string {
	return fmt.Sprintf("data:%s;base64,%s", mediaType, data)
}

// parseDataURI splits a data URI back into media type and base64 payload.
func parseDataURI(uri string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	return mediaType, payload, true
}

// flattenText joins the text content of a part list. Non-text parts are
// skipped.
func flattenText(parts []wire.Part) string {
	var texts []string
	for _, p := range parts {
		if p.Kind == wire.PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func intPtr(v int) *int {
	return &v
}
