package naming

import (
	"strings"
	"unicode"
)

// Namer converts model and field names into relation field names.
type Namer struct {
	config Config
}

// New creates a Namer with the given configuration
func New(cfg Config) *Namer {
	if cfg.PluralOverrides == nil {
		cfg.PluralOverrides = map[string]string{}
	}
	if cfg.SingularOverrides == nil {
		cfg.SingularOverrides = map[string]string{}
	}
	return &Namer{config: cfg}
}

// Default returns a Namer with default configuration
func Default() *Namer {
	return New(DefaultConfig())
}

// FieldName converts a model or snake_case name to a lowerCamel field name.
// Example: "CommandList" -> "commandList", "user_profiles" -> "userProfiles"
func (n *Namer) FieldName(name string) string {
	camel := toCamelCase(name)
	if camel == "" {
		return camel
	}
	runes := []rune(camel)
	runes[0] = unicode.ToLower(runes[0])
	return string(runes)
}

// ToOneFieldName generates the relation name on the model holding the
// foreign key, based on the first FK field with common suffixes stripped.
// Example: "author_id" -> "author", "gameId" -> "game", "created_by_user_id" -> "createdByUser"
func (n *Namer) ToOneFieldName(fkField string) string {
	name := fkField
	for _, suffix := range []string{"_id", "_fk"} {
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			name = name[:len(name)-len(suffix)]
			break
		}
	}
	if len(name) == len(fkField) && len(name) > 2 && strings.HasSuffix(name, "Id") {
		name = name[:len(name)-2]
	}
	return n.FieldName(name)
}

// ToManyFieldName generates the inverse relation name on the referenced model.
// If isOnlyFK is true (single FK from the source model to the target), it uses
// the pluralized model name. Otherwise it prefixes with the FK field name for
// disambiguation.
// Example: isOnlyFK=true: "Comment" -> "comments"
// Example: isOnlyFK=false, fkField="author_id": "Post" -> "authorPosts"
func (n *Namer) ToManyFieldName(sourceModel, fkField string, isOnlyFK bool) string {
	plural := n.Pluralize(n.FieldName(sourceModel))
	if isOnlyFK {
		return plural
	}
	return n.ToOneFieldName(fkField) + upperFirst(plural)
}

// InverseToOneFieldName generates the inverse name for a unique FK.
// Example: isOnlyFK=true: "CommandList" -> "commandList"
func (n *Namer) InverseToOneFieldName(sourceModel, fkField string, isOnlyFK bool) string {
	name := n.FieldName(sourceModel)
	if isOnlyFK {
		return name
	}
	return n.ToOneFieldName(fkField) + upperFirst(name)
}

// ThroughFieldName generates the field name for a relation that goes through
// a pure join model.
// Example: "Tag" -> "tags"
func (n *Namer) ThroughFieldName(targetModel string) string {
	return n.Pluralize(n.FieldName(targetModel))
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// toCamelCase converts snake_case to camelCase
func toCamelCase(s string) string {
	parts := strings.Split(s, "_")
	for i := 1; i < len(parts); i++ {
		if len(parts[i]) > 0 {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}
