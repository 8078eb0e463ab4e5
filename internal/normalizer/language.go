package normalizer

import (
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"

	"ArenaIngest/internal/domain"
)

// detectable maps the languages the detector may answer with to their ISO 639-1 codes.
// Norwegian is left out: on short posts it wins too often over Danish.
var detectable = map[whatlanggo.Lang]string{
	whatlanggo.Dan: "da",
	whatlanggo.Swe: "sv",
	whatlanggo.Deu: "de",
	whatlanggo.Eng: "en",
	whatlanggo.Fra: "fr",
	whatlanggo.Spa: "es",
	whatlanggo.Nld: "nl",
}

var detectOptions = whatlanggo.Options{Whitelist: whitelist()}

const (
	minLanguageWords      = 3
	minLanguageConfidence = 0.05
)

func whitelist() map[whatlanggo.Lang]bool {
	out := make(map[whatlanggo.Lang]bool, len(detectable))
	for lang := range detectable {
		out[lang] = true
	}
	return out
}

// providerLanguage canonicalizes a provider supplied tag such as "DA", "en_US" or "da-DK".
func providerLanguage(value string) (string, bool) {
	value = strings.ReplaceAll(strings.TrimSpace(value), "_", "-")
	if value == "" {
		return "", false
	}
	tag, err := language.Parse(value)
	if err != nil || tag == language.Und {
		return "", false
	}
	return tag.String(), true
}

// detectLanguage runs trigram detection over normalized text. Texts shorter than a few words, or
// without a clear winner, stay undetermined.
func detectLanguage(normalized string) string {
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(words) < minLanguageWords {
		return domain.UndeterminedLanguage
	}

	info := whatlanggo.DetectWithOptions(normalized, detectOptions)
	code, ok := detectable[info.Lang]
	if !ok || info.Confidence < minLanguageConfidence {
		return domain.UndeterminedLanguage
	}
	return code
}
