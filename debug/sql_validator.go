// Package debug holds the operator conveniences behind the debug.enabled
// flag: read-only SQL validation for the query endpoint and HTTP request
// logging.
package debug

import (
	"fmt"
	"strings"
	"unicode"
)

// dangerousKeywords must not appear anywhere in a debug query, even where
// SQLite would accept them. PRAGMA and ATTACH are blocked because they can
// change database state or reach other files.
var dangerousKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER",
	"REPLACE", "TRUNCATE", "GRANT", "REVOKE",
	"PRAGMA", "ATTACH", "DETACH", "VACUUM", "REINDEX",
}

// IsSelectQuery reports whether sql is a single read-only SELECT statement.
// The rules:
//
//  1. The statement must start with SELECT (or WITH, for CTE selects).
//  2. One trailing semicolon is tolerated; any other semicolon means
//     multiple statements and is rejected.
//  3. None of the dangerous keywords may appear as a whole word.
//
// Line comments (--) are stripped before checking so commented-out keywords
// do not cause false rejections.
func IsSelectQuery(sql string) (bool, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return false, fmt.Errorf("empty query")
	}

	if strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(trimmed[:len(trimmed)-1])
	}
	if strings.Contains(trimmed, ";") {
		return false, fmt.Errorf("multiple statements not allowed")
	}

	upper := stripLineComments(strings.ToUpper(trimmed))
	if upper == "" {
		return false, fmt.Errorf("empty query")
	}

	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return false, fmt.Errorf("only SELECT statements are allowed")
	}

	for _, keyword := range dangerousKeywords {
		if containsKeyword(upper, keyword) {
			return false, fmt.Errorf("keyword not allowed: %s", keyword)
		}
	}

	return true, nil
}

// stripLineComments removes everything after -- on each line.
func stripLineComments(sql string) string {
	lines := strings.Split(sql, "\n")
	for i, line := range lines {
		if idx := strings.Index(line, "--"); idx != -1 {
			lines[i] = line[:idx]
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// containsKeyword reports whether keyword appears in sql as a whole word,
// so column names like "created" do not trip the CREATE check.
func containsKeyword(sql, keyword string) bool {
	for start := 0; ; {
		idx := strings.Index(sql[start:], keyword)
		if idx < 0 {
			return false
		}
		idx += start

		before := idx == 0 || !isWordChar(rune(sql[idx-1]))
		end := idx + len(keyword)
		after := end >= len(sql) || !isWordChar(rune(sql[end]))
		if before && after {
			return true
		}
		start = idx + 1
	}
}

func isWordChar(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
