package scoring

import (
	"strings"

	"github.com/1sec-project/reqguard/internal/catalog"
)

var percentPairs = []string{
	"%20", " ",
	"%22", "\"",
	"%23", "#",
	"%26", "&",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
	"%2D", "-",
	"%2E", ".",
	"%2F", "/",
	"%3B", ";",
	"%3C", "<",
	"%3D", "=",
	"%3E", ">",
	"%5C", "\\",
	"%60", "`",
	"%7C", "|",
	"%09", "\t",
	"%0A", "\n",
	"%0D", "\r",
	"%24", "$",
	"%25", "%",
	"+", " ",
}

var percentDecoder = buildPercentDecoder()

// buildPercentDecoder accepts both hex cases. %00 is left encoded so the
// null-byte rule sees it.
func buildPercentDecoder() *strings.Replacer {
	pairs := make([]string, 0, len(percentPairs)*2)
	for i := 0; i < len(percentPairs); i += 2 {
		enc, dec := percentPairs[i], percentPairs[i+1]
		pairs = append(pairs, enc, dec)
		if lower := strings.ToLower(enc); lower != enc {
			pairs = append(pairs, lower, dec)
		}
	}
	return strings.NewReplacer(pairs...)
}

// Homoglyphs commonly used to slip past ASCII patterns.
var homoglyphFolder = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"“", "\"",
	"”", "\"",
	"＇", "'",
	"＜", "<",
	"＞", ">",
	"（", "(",
	"）", ")",
	"․", ".",
	"．", ".",
	"／", "/",
	"＼", "\\",
	"；", ";",
	"｜", "|",
)

// normalize decodes two rounds of percent-encoding, folds homoglyphs and
// bounds the result to max bytes.
func normalize(input string, max int) string {
	if input == "" {
		return ""
	}
	out := percentDecoder.Replace(input)
	out = percentDecoder.Replace(out)
	out = homoglyphFolder.Replace(out)
	if max > 0 {
		out = catalog.Truncate(out, max)
	}
	return out
}
