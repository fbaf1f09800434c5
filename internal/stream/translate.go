package stream

import (
	"context"
	"strings"

	"github.com/npezzotti/go-livechat/internal/types"
)

// Translator translates caption text. The api client satisfies it.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// baseLanguage reduces a BCP-47 tag to its primary subtag.
func baseLanguage(tag string) string {
	base, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(base)
}

// needsTranslation reports whether text spoken in source must be translated
// to be shown in target.
func needsTranslation(source, target string) bool {
	if target == "" || target == types.RawLanguage {
		return false
	}
	return baseLanguage(source) != baseLanguage(target)
}

// targets lists the distinct languages sel needs translated from source.
func targets(source string, sel types.Selection) []string {
	var out []string
	for _, key := range sel.Keys() {
		if !needsTranslation(source, key) {
			continue
		}
		dup := false
		for _, t := range out {
			if t == key {
				dup = true
			}
		}
		if !dup {
			out = append(out, key)
		}
	}
	return out
}
