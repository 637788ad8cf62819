package extract

import (
	"strings"

	"firestige.xyz/kpanic/internal/core"
)

// CheckFunc inspects the decoded text before any field is built. Returning
// ok=false vetoes the message; otherwise the returned text replaces the
// working text for every later hook.
type CheckFunc func(peer core.PeerID, text string) (out string, ok bool)

// FieldFunc produces one single-slot field of a report (title, user,
// fingerprint or message).
type FieldFunc func(peer core.PeerID, text string) string

// TagHook contributes at most one tag per report. The pointer is the hook's
// identity for RemoveTagHook.
type TagHook struct {
	Name string
	Fn   func(peer core.PeerID, text string) (core.Tag, bool)
}

// ExtraHook contributes at most one extra entry per report. The pointer is the
// hook's identity for RemoveExtraHook.
type ExtraHook struct {
	Name string
	Fn   func(peer core.PeerID, text string) (key string, value any, ok bool)
}

// UnknownTitle is used when no marker phrase is found.
const UnknownTitle = "Unknown error"

// MessageHeader precedes the kernel log in the default message body.
const MessageHeader = "\n\nKERNEL LOGS:\n\n"

// TitleMarkers are the phrases the default title hook looks for, in priority
// order.
var TitleMarkers = []string{
	"BUG",
	"Kernel panic",
	"kernel stack overflow",
	"divide error",
	"general protection fault",
	"SMP",
}

// DefaultModuleTags are the bracketed module tags that prefix the default
// title when present in the text.
var DefaultModuleTags = []string{"kmodlve"}

// FindTitleLine returns the line enclosing the first marker found, scanning
// markers in priority order.
func FindTitleLine(text string) (string, bool) {
	for _, marker := range TitleMarkers {
		idx := strings.Index(text, marker)
		if idx < 0 {
			continue
		}
		start := strings.LastIndexByte(text[:idx], '\n') + 1
		end := strings.IndexByte(text[idx:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += idx
		}
		return text[start:end], true
	}
	return "", false
}

// collapse trims s and folds every run of whitespace into one space.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// defaultTitle builds the title hook used when none is registered.
func defaultTitle(moduleTags []string) FieldFunc {
	tags := append([]string(nil), moduleTags...)
	return func(_ core.PeerID, text string) string {
		title := UnknownTitle
		if line, ok := FindTitleLine(text); ok {
			title = collapse(line)
		}
		for _, tag := range tags {
			bracketed := "[" + tag + "]"
			if strings.Contains(text, bracketed) {
				title = bracketed + " " + title
				break
			}
		}
		return title
	}
}

func defaultUser(peer core.PeerID, _ string) string {
	return peer.Host()
}

func defaultMessage(_ core.PeerID, text string) string {
	return MessageHeader + text
}
