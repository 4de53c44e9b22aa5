package tokenizer

// byteEncoder maps every byte to a printable rune the way GPT-2's
// bytes_to_unicode does: printable Latin-1 bytes map to themselves, the rest
// are assigned 256, 257, ... in byte order.
var (
	byteEncoder [256]rune
	byteDecoder = make(map[rune]byte, 256)
)

func init() {
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	next := 256
	for b := 0; b < 256; b++ {
		if printable(b) {
			byteEncoder[b] = rune(b)
		} else {
			byteEncoder[b] = rune(next)
			next++
		}
		byteDecoder[byteEncoder[b]] = byte(b)
	}
}
