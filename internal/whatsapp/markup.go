package whatsapp

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const appTextPlaceholder = "${appText}"

// Unrender turns the inner HTML of a rendered message body back into the
// plain-text markup WhatsApp accepts on send. Bold spans become *text*, inline
// images (emoji) their alt text, everything else its visible text.
func Unrender(fragment string) (string, error) {
	parent := &html.Node{Type: html.ElementNode, Data: "span", DataAtom: atom.Span}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, n := range nodes {
		unrenderNode(&b, n)
	}
	return b.String(), nil
}

func unrenderNode(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
	default:
		unrenderChildren(b, n)
		return
	}

	if tmpl, ok := attr(n, "data-app-text-template"); ok && strings.Contains(tmpl, appTextPlaceholder) {
		var inner strings.Builder
		unrenderChildren(&inner, n)
		b.WriteString(strings.Replace(tmpl, appTextPlaceholder, inner.String(), 1))
		return
	}

	switch n.DataAtom {
	case atom.Img:
		alt, _ := attr(n, "alt")
		b.WriteString(alt)
	case atom.Br:
		b.WriteByte('\n')
	case atom.Strong, atom.B:
		b.WriteByte('*')
		unrenderChildren(b, n)
		b.WriteByte('*')
	default:
		unrenderChildren(b, n)
	}
}

func unrenderChildren(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		unrenderNode(b, c)
	}
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// DecodeCodeUnits decodes JavaScript string code units. Surrogate pairs
// become one astral code point; unpaired surrogates become U+FFFD.
func DecodeCodeUnits(units []uint16) string {
	return string(utf16.Decode(units))
}

// RepairSurrogates fixes text where astral characters arrived as two
// separately UTF-8 encoded surrogates (CESU-8). Valid UTF-8 passes through
// unchanged; a surrogate without its partner becomes U+FFFD.
func RepairSurrogates(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if hi, ok := surrogateAt(s, i); ok {
			if lo, ok := surrogateAt(s, i+3); ok && utf16.IsSurrogate(hi) && hi < 0xDC00 && lo >= 0xDC00 {
				b.WriteRune(utf16.DecodeRune(hi, lo))
				i += 6
				continue
			}
			b.WriteRune(utf8.RuneError)
			i += 3
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		b.WriteRune(r)
		i += size
	}
	return b.String()
}

// surrogateAt decodes a 3-byte encoded UTF-16 surrogate starting at i.
func surrogateAt(s string, i int) (rune, bool) {
	if i+3 > len(s) || s[i] != 0xED || s[i+1] < 0xA0 || s[i+1] > 0xBF || s[i+2]&0xC0 != 0x80 {
		return 0, false
	}
	return rune(0xD000) | rune(s[i+1]&0x3F)<<6 | rune(s[i+2]&0x3F), true
}
