// Package repository indexes session files on disk by product/application/
// session-id and manages their lifecycle: adding new sessions, iterating
// with predicate filters, marking sessions sent, purging, and enforcing a
// disk quota by evicting completed-and-sent sessions oldest first
// (spec §4.3).
package repository

import (
	"fmt"
	"path/filepath"
	"strings"
)

// sanitizeSegment replaces directory separators, control characters, and
// reserved filesystem characters with '_', matching the sanitization rule
// applied to product/application names before they become path segments.
func sanitizeSegment(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r < 0x20:
			b.WriteByte('_')
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sessionDir returns <root>/<sanitized-product>/<sanitized-application>/<session-id>.
func sessionDir(root, product, application, sessionID string) string {
	return filepath.Join(root, sanitizeSegment(product), sanitizeSegment(application), sessionID)
}

// sequenceFileName returns "<file-sequence>.glf" zero-padded for stable
// lexical ordering within a session directory listing.
func sequenceFileName(seq uint32) string {
	return fmt.Sprintf("%08d.glf", seq)
}

// lockFileName is the cross-process writer lock colocated in every session
// directory (spec §4.3: "each session directory contains a lock file").
const lockFileName = ".writer.lock"
