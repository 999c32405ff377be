package engine

import "strings"

// emojiRanges covers the pictographic blocks plus the variation selectors and
// joiners that glue them into sequences. Arrows and other technical symbols
// are deliberately left alone.
var emojiRanges = [][2]rune{
	{0x1F300, 0x1F5FF}, // symbols and pictographs
	{0x1F600, 0x1F64F}, // emoticons
	{0x1F680, 0x1F6FF}, // transport and map
	{0x1F900, 0x1F9FF}, // supplemental symbols
	{0x1FA70, 0x1FAFF}, // extended-A
	{0x1F1E6, 0x1F1FF}, // regional indicators (flags)
	{0x2600, 0x26FF},   // miscellaneous symbols
	{0x2700, 0x27BF},   // dingbats
	{0x2B00, 0x2BFF},   // stars and geometric shapes
	{0xFE0E, 0xFE0F},   // variation selectors
	{0x200D, 0x200D},   // zero-width joiner
	{0x20E3, 0x20E3},   // combining enclosing keycap
}

func isEmojiRune(r rune) bool {
	for _, rg := range emojiRanges {
		if r >= rg[0] && r <= rg[1] {
			return true
		}
	}
	return false
}

// stripEmoji removes emoji from a text chunk before it is streamed out.
func stripEmoji(s string) string {
	if !strings.ContainsFunc(s, isEmojiRune) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !isEmojiRune(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
