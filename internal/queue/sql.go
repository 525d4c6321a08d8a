package queue

import (
	"fmt"
	"regexp"
	"strings"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// tableName derives the SQL table from the configured prefix.
func tableName(prefix string) (string, error) {
	name := strings.TrimSpace(prefix) + "_queue"
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid queue prefix %q", prefix)
	}
	return name, nil
}

// placeholders renders "?,?,?" for n sqlite parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
