package llm

import (
	"regexp"
	"strings"
)

var (
	// fencedJSON matches a JSON object inside a markdown code fence.
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// bareJSON greedily matches a JSON object anywhere in the text.
	bareJSON = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingComma matches a trailing comma before } or ].
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of model output, tolerating markdown
// fences, line comments, and trailing commas. It returns "" when no object
// is present.
func ExtractJSON(content string) string {
	var raw string
	if m := fencedJSON.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = bareJSON.FindString(content)
	}
	if raw == "" {
		return ""
	}

	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingComma.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a // comment from a line unless the slashes sit
// inside a string literal.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
