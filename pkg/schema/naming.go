package schema

import (
	"regexp"
	"strings"
)

// FlattenSeparator joins the path of a flattened column.
const FlattenSeparator = "__"

// MaxColumnNameLength is the length at which flattened keys are abbreviated.
const MaxColumnNameLength = 255

var (
	unsafeColumnChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	unsafeTableChars  = regexp.MustCompile(`[^a-zA-Z0-9]`)
	camelizePattern   = regexp.MustCompile(`(?:^|_)(.)`)
	lowerLetters      = regexp.MustCompile(`[a-z]`)
)

// SafeColumnName turns an upstream field name into a warehouse identifier:
// backticks are removed, characters outside [a-zA-Z0-9_] become "_", the
// result is lowercased and a leading digit gets a "_" prefix.
func SafeColumnName(name string) string {
	name = strings.ReplaceAll(name, "`", "")
	name = strings.ToLower(unsafeColumnChars.ReplaceAllString(name, "_"))
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}

// SafeTableName sanitises a table name: characters outside [a-zA-Z0-9]
// become "_" and the result is lowercased.
func SafeTableName(name string) string {
	return strings.ToLower(unsafeTableChars.ReplaceAllString(name, "_"))
}

// FlattenKey joins a parent path and key with the separator. Keys reaching
// MaxColumnNameLength are abbreviated part by part, left to right, until the
// joined key fits.
func FlattenKey(key string, parents []string) string {
	parts := make([]string, 0, len(parents)+1)
	parts = append(parts, parents...)
	parts = append(parts, key)

	for i := 0; len(strings.Join(parts, FlattenSeparator)) >= MaxColumnNameLength && i < len(parts); i++ {
		reduced := lowerLetters.ReplaceAllString(camelize(parts[i]), "")
		if len(reduced) > 1 {
			parts[i] = strings.ToLower(reduced)
		} else {
			parts[i] = strings.ToLower(prefix(parts[i], 3))
		}
	}
	return strings.Join(parts, FlattenSeparator)
}

func camelize(s string) string {
	return camelizePattern.ReplaceAllStringFunc(s, func(m string) string {
		if len(m) > 1 {
			m = m[1:]
		}
		return strings.ToUpper(m)
	})
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
