// Package config reads and validates the INI-style plaintext configuration
// file spec §6 describes: `#`-comment lines, bare `key=value` lines, values
// sometimes a comma-terminated list (`links=a,b,c,`). No example repo in the
// retrieval pack ships an INI parser, and the grammar (space-containing
// keys like "link count", trailing-comma lists) doesn't fit a general
// TOML/YAML library's syntax, so the scanner here is hand-written.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Entry is one parsed `key=value` line, in file order.
type Entry struct {
	Key   string
	Value string
}

// ParseINI scans data into an ordered list of entries. Blank lines and
// lines starting with `#` are skipped; any other line without an `=` is a
// syntax error (spec §7's "configuration error — fatal on startup").
func ParseINI(data []byte) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i < 0 {
			return nil, fmt.Errorf("config: line %d: missing '=': %q", lineNo, line)
		}
		entries = append(entries, Entry{
			Key:   strings.TrimSpace(line[:i]),
			Value: strings.TrimSpace(line[i+1:]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// SplitList splits a comma-terminated (or merely comma-separated) list
// value, e.g. "a,b,c," or "a,b,c", dropping empty trailing elements.
func SplitList(v string) []string {
	parts := strings.Split(v, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinList renders items back into the file's trailing-comma list style.
func JoinList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return strings.Join(items, ",") + ","
}

// WriteINI renders fields back into `key=value` lines sorted by key, for a
// deterministic SaveConfig round-trip (spec §8's "LoadConfig/SaveConfig
// round-trip exactly" property).
func WriteINI(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString("# flowsentry configuration\n")
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, fields[k])
	}
	return buf.Bytes()
}
