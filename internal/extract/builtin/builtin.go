// Package builtin is the catalogue of named hooks that can be enabled from
// configuration.
package builtin

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/extract"
)

type Kind string

const (
	KindTag   Kind = "tag"
	KindExtra Kind = "extra"
	KindCheck Kind = "check"
)

const unknown = "unknown"

// Entry describes one catalogue hook.
type Entry struct {
	Name        string
	Kind        Kind
	Description string
}

type hook struct {
	Entry
	tag   func(core.PeerID, string) (core.Tag, bool)
	extra func(core.PeerID, string) (string, any, bool)
	check extract.CheckFunc
}

// now is replaced in tests.
var now = time.Now

var catalogue = map[string]hook{
	"kernel_version": {
		Entry: Entry{Name: "kernel_version", Kind: KindTag, Description: "kernel release token around the first .el"},
		tag:   KernelVersion,
	},
	"instruction_pointer": {
		Entry: Entry{Name: "instruction_pointer", Kind: KindTag, Description: "rest of the line after the first IP:"},
		tag:   InstructionPointer,
	},
	"source_port": {
		Entry: Entry{Name: "source_port", Kind: KindTag, Description: "sender port"},
		tag: func(peer core.PeerID, _ string) (core.Tag, bool) {
			return core.Tag{Name: "source_port", Value: strconv.FormatUint(uint64(peer.Port), 10)}, true
		},
	},
	"received_at": {
		Entry: Entry{Name: "received_at", Kind: KindExtra, Description: "RFC3339 time the report was built"},
		extra: func(core.PeerID, string) (string, any, bool) {
			return "received_at", now().UTC().Format(time.RFC3339), true
		},
	},
	"peer": {
		Entry: Entry{Name: "peer", Kind: KindExtra, Description: "sender address, port and connection"},
		extra: func(peer core.PeerID, _ string) (string, any, bool) {
			return "peer", peer.String(), true
		},
	},
	"raw_length": {
		Entry: Entry{Name: "raw_length", Kind: KindExtra, Description: "length of the kernel log in bytes"},
		extra: func(_ core.PeerID, text string) (string, any, bool) {
			return "raw_length", len(text), true
		},
	},
	"require_marker": {
		Entry: Entry{Name: "require_marker", Kind: KindCheck, Description: "drop logs that contain no panic marker"},
		check: RequireMarker,
	},
}

// List returns every catalogue entry sorted by kind and name.
func List() []Entry {
	out := make([]Entry, 0, len(catalogue))
	for _, h := range catalogue {
		out = append(out, h.Entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Apply registers the named hooks on reg in the given order. Tag and extra
// hooks are appended; a check hook replaces the current one.
func Apply(reg *extract.Registry, kind Kind, names []string) error {
	for _, name := range names {
		h, ok := catalogue[name]
		if !ok {
			return fmt.Errorf("%w: unknown hook %q", core.ErrConfigInvalid, name)
		}
		if h.Kind != kind {
			return fmt.Errorf("%w: hook %q is a %s hook, not %s", core.ErrConfigInvalid, name, h.Kind, kind)
		}
		switch h.Kind {
		case KindTag:
			reg.AddTagHook(&extract.TagHook{Name: name, Fn: h.tag})
		case KindExtra:
			reg.AddExtraHook(&extract.ExtraHook{Name: name, Fn: h.extra})
		case KindCheck:
			reg.SetCheckHook(h.check)
		}
	}
	return nil
}

// KernelVersion tags the whitespace-delimited token that contains the first
// ".el", which is how RHEL-family kernels spell their release.
func KernelVersion(_ core.PeerID, text string) (core.Tag, bool) {
	tag := core.Tag{Name: "kernel_version", Value: unknown}
	idx := strings.Index(text, ".el")
	if idx < 0 {
		return tag, true
	}
	start := strings.LastIndexFunc(text[:idx], unicode.IsSpace)
	if start < 0 {
		start = 0
	} else {
		_, width := utf8.DecodeRuneInString(text[start:])
		start += width
	}
	end := strings.IndexFunc(text[idx:], unicode.IsSpace)
	if end < 0 {
		end = len(text)
	} else {
		end += idx
	}
	tag.Value = text[start:end]
	return tag, true
}

// InstructionPointer tags the text following the first "IP:" up to the end of
// its line.
func InstructionPointer(_ core.PeerID, text string) (core.Tag, bool) {
	tag := core.Tag{Name: "instruction_pointer", Value: unknown}
	idx := strings.Index(text, "IP:")
	if idx < 0 {
		return tag, true
	}
	rest := text[idx+len("IP:"):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	tag.Value = strings.TrimSpace(rest)
	return tag, true
}

func RequireMarker(_ core.PeerID, text string) (string, bool) {
	if _, ok := extract.FindTitleLine(text); !ok {
		return "", false
	}
	return text, true
}
