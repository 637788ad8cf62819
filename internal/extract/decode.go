package extract

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"firestige.xyz/kpanic/internal/core"
)

const (
	CharsetUTF8   = "utf-8"
	CharsetASCII  = "ascii"
	CharsetLatin1 = "latin1"
)

// Decoder turns a finalized payload into text.
type Decoder func([]byte) (string, error)

// NewDecoder returns the decoder for charset. An empty name selects utf-8.
func NewDecoder(charset string) (Decoder, error) {
	switch strings.ToLower(charset) {
	case "", CharsetUTF8, "utf8":
		return decodeUTF8, nil
	case CharsetASCII, "us-ascii":
		return decodeASCII, nil
	case CharsetLatin1, "iso-8859-1":
		dec := charmap.ISO8859_1.NewDecoder()
		return func(b []byte) (string, error) {
			out, err := dec.Bytes(b)
			if err != nil {
				return "", fmt.Errorf("%w: %v", core.ErrDecode, err)
			}
			return string(out), nil
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported charset %q", core.ErrConfigInvalid, charset)
}

func decodeUTF8(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid utf-8", core.ErrDecode)
	}
	return string(b), nil
}

func decodeASCII(b []byte) (string, error) {
	for i, c := range b {
		if c >= utf8.RuneSelf {
			return "", fmt.Errorf("%w: non-ascii byte 0x%02x at offset %d", core.ErrDecode, c, i)
		}
	}
	return string(b), nil
}
