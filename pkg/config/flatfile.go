package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// MaxLineLen is the longest line the flat-file parser accepts, in bytes.
// Exceeding it is fatal with the offending line number.
const MaxLineLen = 512

// Entry is one parsed key/value line. Line is 1-based and reported in
// diagnostics for malformed values downstream (bad doubles, bad flags).
type Entry struct {
	Key   string
	Value string
	Line  int
}

// ParseFlatFile parses the hub's flat key/value format: `#` starts a line
// comment, blank lines are ignored, and every other line is `key = value`
// with insignificant whitespace around both sides (internal whitespace in
// the value is preserved). Entries are returned in file order; a key may
// appear more than once and callers decide whether that is an override or
// an error.
func ParseFlatFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	entries, err := parseFlat(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

func parseFlat(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, MaxLineLen+1), MaxLineLen+1)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if len(raw) > MaxLineLen {
			return nil, fmt.Errorf("line %d exceeds maximum length of %d bytes", lineNo, MaxLineLen)
		}

		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("parse error on line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("parse error on line %d: empty key", lineNo)
		}

		entries = append(entries, Entry{
			Key:   key,
			Value: strings.TrimSpace(value),
			Line:  lineNo,
		})
	}
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, fmt.Errorf("line %d exceeds maximum length of %d bytes", lineNo+1, MaxLineLen)
		}
		return nil, err
	}

	return entries, nil
}
