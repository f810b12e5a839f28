package canonical

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases a display name, strips diacritics, and collapses
// whitespace runs to single underscores: "Chaîne  de Règle" -> "chaine_de_regle".
func Normalize(name string) string {
	stripped, _, err := transform.String(stripMarks, name)
	if err != nil {
		stripped = name
	}
	fields := strings.Fields(strings.ToLower(stripped))
	return strings.Join(fields, "_")
}

// ID derives the dedup key for a graph entity from its display name and type.
// This is a heuristic: distinct real-world entities sharing a normalized name
// and type collide by design.
func ID(name, entityType string) string {
	return Normalize(name) + "|" + strings.TrimSpace(strings.ToLower(entityType))
}
