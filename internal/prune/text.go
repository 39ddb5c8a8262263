// Package prune bounds tool output so page bodies and rendered search
// results fit what a provider request can carry.
package prune

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// Marker prefixes every clipped document so downstream consumers can
	// tell a truncated body from a complete one.
	Marker = "[courier pruned]"

	DefaultCharBudget = 10 * 1024
	DefaultMaxLines   = 250

	snipLine = "[...snip...]"
)

// Clip returns text unchanged while it fits charBudget bytes and maxLines
// lines. Oversized text keeps the start and the end of the document, three
// quarters of the budget for the head and one quarter for the tail, joined
// by a snip line under a marker naming label. Cuts never split a UTF-8
// rune.
func Clip(text, label string, charBudget, maxLines int) string {
	if charBudget <= 0 {
		charBudget = DefaultCharBudget
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if text == "" || fits(text, charBudget, maxLines) {
		return text
	}

	headBytes := charBudget * 3 / 4
	tailBytes := charBudget - headBytes
	headLines := maxLines * 3 / 4
	tailLines := maxLines - headLines

	out := fmt.Sprintf("%s %s too long (bytes=%d, lines=%d), showing head and tail\n\n%s\n\n%s\n\n%s",
		Marker,
		label,
		len(text),
		countLines(text),
		clipHead(text, headBytes, headLines),
		snipLine,
		clipTail(text, tailBytes, tailLines),
	)
	// The framing itself can tip a tight budget over.
	if !fits(out, charBudget, maxLines) {
		out = clipHead(out, charBudget, maxLines)
		if out == "" {
			return Marker
		}
	}
	return out
}

func fits(s string, charBudget, maxLines int) bool {
	return len(s) <= charBudget && countLines(s) <= maxLines
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// clipHead keeps the first maxBytes bytes and maxLines lines, backing off
// to the nearest rune start.
func clipHead(s string, maxBytes, maxLines int) string {
	if s == "" || maxBytes <= 0 || maxLines <= 0 {
		return ""
	}
	if maxBytes < len(s) {
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	lines := strings.Split(s, "\n")
	if len(lines) > maxLines {
		s = strings.Join(lines[:maxLines], "\n")
	}
	return s
}

// clipTail keeps the last maxBytes bytes and maxLines lines, advancing to
// the nearest rune start.
func clipTail(s string, maxBytes, maxLines int) string {
	if s == "" || maxBytes <= 0 || maxLines <= 0 {
		return ""
	}
	if maxBytes < len(s) {
		start := len(s) - maxBytes
		for start < len(s) && !utf8.RuneStart(s[start]) {
			start++
		}
		s = s[start:]
	}
	lines := strings.Split(s, "\n")
	if len(lines) > maxLines {
		s = strings.Join(lines[len(lines)-maxLines:], "\n")
	}
	return s
}
