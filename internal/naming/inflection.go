package naming

import (
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// Pluralize returns the plural of word. Overrides match the last word of a
// camelCase or snake_case name case-insensitively, so an override for
// "person" also turns "salesPerson" into "salesPeople".
func (n *Namer) Pluralize(word string) string {
	return n.inflect(word, n.config.PluralOverrides, inflection.Plural)
}

// Singularize returns the singular of word, with the same override matching
// as Pluralize.
func (n *Namer) Singularize(word string) string {
	return n.inflect(word, n.config.SingularOverrides, inflection.Singular)
}

func (n *Namer) inflect(word string, overrides map[string]string, fallback func(string) string) string {
	head, last := splitLastWord(word)
	for from, to := range overrides {
		if strings.EqualFold(from, last) {
			if r := []rune(last); len(r) > 0 && unicode.IsUpper(r[0]) {
				to = upperFirst(to)
			}
			return head + to
		}
	}
	return fallback(word)
}

// splitLastWord splits "salesPerson" into "sales" and "Person", and
// "sales_person" into "sales_" and "person".
func splitLastWord(word string) (string, string) {
	cut := 0
	for i, r := range word {
		if i > 0 && unicode.IsUpper(r) {
			cut = i
		}
		if r == '_' {
			cut = i + 1
		}
	}
	return word[:cut], word[cut:]
}
