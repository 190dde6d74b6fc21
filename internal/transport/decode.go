// internal/transport/decode.go
package transport

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var charsets = map[string]*charmap.Charmap{
	"latin1":       charmap.ISO8859_1,
	"iso-8859-1":   charmap.ISO8859_1,
	"windows-1252": charmap.Windows1252,
	"cp437":        charmap.CodePage437,
}

// Decoder turns raw console bytes into clean text: charset decoding, CR
// and NUL removal, and ANSI escape stripping. UTF-8 sequences split across
// chunk boundaries are carried over to the next chunk.
type Decoder struct {
	single *encoding.Decoder
	carry  []byte
}

// NewDecoder returns a decoder for charset ("" or "utf-8" for UTF-8)
func NewDecoder(charset string) (*Decoder, error) {
	name := strings.ToLower(strings.TrimSpace(charset))
	if name == "" || name == "utf-8" || name == "utf8" {
		return &Decoder{}, nil
	}
	cm, ok := charsets[name]
	if !ok {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return &Decoder{single: cm.NewDecoder()}, nil
}

// Decode converts one raw chunk
func (d *Decoder) Decode(p []byte) string {
	var text string
	if d.single != nil {
		out, err := d.single.Bytes(p)
		if err != nil {
			out = p
		}
		text = string(out)
	} else {
		text = d.decodeUTF8(p)
	}
	return Clean(text)
}

func (d *Decoder) decodeUTF8(p []byte) string {
	if len(d.carry) > 0 {
		p = append(d.carry, p...)
		d.carry = nil
	}
	// hold back an incomplete trailing rune
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				d.carry = append([]byte(nil), p[i:]...)
				p = p[:i]
			}
			break
		}
	}
	return strings.ToValidUTF8(string(p), "�")
}

var cleaner = strings.NewReplacer("\r\n", "\n", "\r", "", "\x00", "")

// Clean normalizes line endings and strips terminal escape sequences
func Clean(text string) string {
	return ansi.Strip(cleaner.Replace(text))
}
