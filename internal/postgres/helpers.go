package postgres

import "strings"

// qualify prefixes every column in a comma-separated column list with a
// table alias, for queries that join and need unambiguous names.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
