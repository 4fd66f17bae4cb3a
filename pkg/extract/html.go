package extract

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

var markupPolicy = newMarkupPolicy()

func newMarkupPolicy() *bluemonday.Policy {
	policy := bluemonday.StrictPolicy()
	policy.AddSpaceWhenStrippingTag(true)
	return policy
}

// HTML strips markup (dropping script and style bodies) and unescapes entities.
func HTML(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyDocument
	}
	stripped := markupPolicy.SanitizeBytes(data)
	return collapseWhitespace(html.UnescapeString(string(stripped))), nil
}
