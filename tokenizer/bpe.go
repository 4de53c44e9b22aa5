package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Tokenizer represents a BPE tokenizer
type Tokenizer struct {
	Vocab         map[string]int // token -> id
	ReverseVocab  map[int]string // id -> token
	Merges        []MergePair    // BPE merge rules, in rank order
	SpecialTokens map[string]int // special tokens
	AddedTokens   map[string]int // added tokens
	PreTokenizer  *PreTokenizer  // pre-tokenization rules
	ByteFallback  bool           // use <0xHH> tokens for unknown bytes
	ByteLevel     bool           // GPT-2 byte-to-unicode alphabet (Qwen, GPT-2); otherwise SentencePiece "▁" spaces

	ranks map[mergeKey]int
}

// MergePair represents a BPE merge rule
type MergePair struct {
	First  string
	Second string
	Rank   int
}

type mergeKey struct{ first, second string }

// PreTokenizer handles text splitting before BPE
type PreTokenizer struct {
	Pattern *regexp.Regexp
}

// TokenizerJSON represents the HuggingFace tokenizer.json format
type TokenizerJSON struct {
	Model struct {
		Type         string          `json:"type"`
		Vocab        map[string]int  `json:"vocab"`
		Merges       json.RawMessage `json:"merges"`
		ByteFallback bool            `json:"byte_fallback,omitempty"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	PreTokenizer *struct {
		Type          string `json:"type"`
		Pretokenizers []struct {
			Type string `json:"type"`
		} `json:"pretokenizers,omitempty"`
	} `json:"pre_tokenizer"`
}

// gpt2Pattern is the GPT-2 split regex without the negative lookahead RE2
// cannot express.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

// LoadFromFile loads a tokenizer from a HuggingFace tokenizer.json file
func LoadFromFile(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads a tokenizer from HuggingFace tokenizer.json data
func LoadFromBytes(data []byte) (*Tokenizer, error) {
	var tokJSON TokenizerJSON
	if err := json.Unmarshal(data, &tokJSON); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer JSON: %w", err)
	}
	if len(tokJSON.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer has an empty vocabulary")
	}

	merges, err := parseMerges(tokJSON.Model.Merges)
	if err != nil {
		return nil, err
	}

	t := New(tokJSON.Model.Vocab, merges)
	t.ByteFallback = tokJSON.Model.ByteFallback
	t.ByteLevel = isByteLevel(&tokJSON)
	if !t.ByteLevel {
		t.PreTokenizer = &PreTokenizer{}
	}

	for _, token := range tokJSON.AddedTokens {
		t.AddedTokens[token.Content] = token.ID
		if token.Special {
			t.SpecialTokens[token.Content] = token.ID
		}
		if _, ok := t.ReverseVocab[token.ID]; !ok {
			t.ReverseVocab[token.ID] = token.Content
		}
	}

	return t, nil
}

// parseMerges accepts both the "a b" string form and the newer [["a","b"]] form.
func parseMerges(raw json.RawMessage) ([]MergePair, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		merges := make([]MergePair, 0, len(asStrings))
		for _, merge := range asStrings {
			parts := strings.SplitN(merge, " ", 2)
			if len(parts) != 2 {
				continue
			}
			merges = append(merges, MergePair{First: parts[0], Second: parts[1], Rank: len(merges)})
		}
		return merges, nil
	}

	var asPairs [][2]string
	if err := json.Unmarshal(raw, &asPairs); err != nil {
		return nil, fmt.Errorf("failed to parse merges: %w", err)
	}
	merges := make([]MergePair, len(asPairs))
	for i, p := range asPairs {
		merges[i] = MergePair{First: p[0], Second: p[1], Rank: i}
	}
	return merges, nil
}

func isByteLevel(tj *TokenizerJSON) bool {
	if tj.PreTokenizer != nil {
		if tj.PreTokenizer.Type == "ByteLevel" {
			return true
		}
		for _, p := range tj.PreTokenizer.Pretokenizers {
			if p.Type == "ByteLevel" {
				return true
			}
		}
		if tj.PreTokenizer.Type == "Metaspace" {
			return false
		}
	}
	return !tj.Model.ByteFallback
}

// New builds a byte-level tokenizer from a vocabulary and ranked merges.
func New(vocab map[string]int, merges []MergePair) *Tokenizer {
	t := &Tokenizer{
		Vocab:         vocab,
		ReverseVocab:  make(map[int]string, len(vocab)),
		Merges:        merges,
		SpecialTokens: make(map[string]int),
		AddedTokens:   make(map[string]int),
		PreTokenizer:  &PreTokenizer{Pattern: regexp.MustCompile(gpt2Pattern)},
		ByteLevel:     true,
		ranks:         make(map[mergeKey]int, len(merges)),
	}
	for token, id := range vocab {
		t.ReverseVocab[id] = token
	}
	for _, m := range merges {
		key := mergeKey{m.First, m.Second}
		if _, ok := t.ranks[key]; !ok {
			t.ranks[key] = m.Rank
		}
	}
	return t
}

// NewByteLevel returns a tokenizer whose vocabulary is the 256 GPT-2 byte
// symbols with no merges: every byte of the input is one token and token id
// equals byte value.
func NewByteLevel() *Tokenizer {
	vocab := make(map[string]int, 256)
	for b := 0; b < 256; b++ {
		vocab[string(byteEncoder[b])] = b
	}
	return New(vocab, nil)
}

// Encode converts text to token IDs
func (t *Tokenizer) Encode(text string) []int {
	if text == "" {
		return []int{}
	}

	// Combine special tokens and added tokens for preservation during splitting
	preserved := make(map[string]int, len(t.SpecialTokens)+len(t.AddedTokens))
	for k, v := range t.SpecialTokens {
		preserved[k] = v
	}
	for k, v := range t.AddedTokens {
		preserved[k] = v
	}

	pre := t.PreTokenizer
	if pre == nil {
		pre = &PreTokenizer{}
	}

	var tokens []int
	for _, word := range pre.SplitWithSpecialTokens(text, preserved) {
		if id, ok := preserved[word]; ok {
			tokens = append(tokens, id)
			continue
		}
		tokens = append(tokens, t.bpeEncode(word)...)
	}

	return tokens
}

// bpeEncode applies BPE algorithm to a word
func (t *Tokenizer) bpeEncode(word string) []int {
	if word == "" {
		return nil
	}

	var symbols []string
	if t.ByteLevel {
		for _, b := range []byte(word) {
			symbols = append(symbols, string(byteEncoder[b]))
		}
	} else {
		symbols = splitToChars(strings.ReplaceAll(word, " ", "▁"))
	}

	for len(symbols) > 1 {
		best, bestRank := -1, 0
		for i := 0; i < len(symbols)-1; i++ {
			rank, ok := t.rank(symbols[i], symbols[i+1])
			if ok && (best == -1 || rank < bestRank) {
				best, bestRank = i, rank
			}
		}
		if best == -1 {
			break
		}
		symbols = applyMerge(symbols, symbols[best], symbols[best+1])
	}

	ids := make([]int, 0, len(symbols))
	for _, token := range symbols {
		if id, ok := t.Vocab[token]; ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, t.encodeBytes(token)...)
	}
	return ids
}

func (t *Tokenizer) rank(first, second string) (int, bool) {
	if t.ranks == nil {
		t.ranks = make(map[mergeKey]int, len(t.Merges))
		for _, m := range t.Merges {
			if _, ok := t.ranks[mergeKey{m.First, m.Second}]; !ok {
				t.ranks[mergeKey{m.First, m.Second}] = m.Rank
			}
		}
	}
	r, ok := t.ranks[mergeKey{first, second}]
	return r, ok
}

// splitToChars splits a word into initial character tokens
func splitToChars(word string) []string {
	var chars []string
	for len(word) > 0 {
		_, size := utf8.DecodeRuneInString(word)
		chars = append(chars, word[:size])
		word = word[size:]
	}
	return chars
}

// applyMerge merges all occurrences of a pair in the token list
func applyMerge(tokens []string, first, second string) []string {
	merged := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		if i < len(tokens)-1 && tokens[i] == first && tokens[i+1] == second {
			merged = append(merged, first+second)
			i++
			continue
		}
		merged = append(merged, tokens[i])
	}
	return merged
}

// encodeBytes encodes a string as <0xHH> byte tokens. Bytes without a
// matching token are dropped.
func (t *Tokenizer) encodeBytes(s string) []int {
	var ids []int
	for _, b := range []byte(s) {
		if id, ok := t.Vocab[fmt.Sprintf("<0x%02X>", b)]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Decode converts token IDs to text. Unknown ids are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	var raw strings.Builder
	for _, id := range ids {
		if token, ok := t.ReverseVocab[id]; ok {
			raw.WriteString(token)
		}
	}
	return t.decodeSymbols(raw.String())
}

// DecodeToken renders a single token for display. Tokens that hold only part
// of a multi-byte character come back as their vocabulary symbol.
func (t *Tokenizer) DecodeToken(id int) string {
	token, ok := t.ReverseVocab[id]
	if !ok {
		return "<" + strconv.Itoa(id) + ">"
	}
	if _, special := t.AddedTokens[token]; special {
		return token
	}
	text := t.decodeSymbols(token)
	if !utf8.ValidString(text) {
		return token
	}
	return text
}

func (t *Tokenizer) decodeSymbols(text string) string {
	if t.ByteLevel {
		buf := make([]byte, 0, len(text))
		for _, r := range text {
			if b, ok := byteDecoder[r]; ok {
				buf = append(buf, b)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
		return string(buf)
	}
	text = strings.ReplaceAll(text, "▁", " ")
	if t.ByteFallback {
		text = decodeByteFallback(text)
	}
	return text
}

var byteTokenPattern = regexp.MustCompile(`<0x([0-9A-F]{2})>`)

// decodeByteFallback replaces byte tokens like <0x20> with actual bytes
func decodeByteFallback(text string) string {
	return byteTokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		b, err := strconv.ParseUint(match[3:5], 16, 8)
		if err != nil {
			return match
		}
		return string([]byte{byte(b)})
	})
}

// Split splits text using the pre-tokenizer pattern
func (pt *PreTokenizer) Split(text string) []string {
	return pt.SplitWithSpecialTokens(text, nil)
}

// SplitWithSpecialTokens splits text while preserving special tokens. When
// two special tokens start at the same offset the longer one wins.
func (pt *PreTokenizer) SplitWithSpecialTokens(text string, specialTokens map[string]int) []string {
	if text == "" {
		return []string{}
	}

	var result []string
	remaining := text
	for len(remaining) > 0 {
		earliestIdx := -1
		earliestToken := ""
		for token := range specialTokens {
			if token == "" {
				continue
			}
			idx := strings.Index(remaining, token)
			if idx == -1 {
				continue
			}
			if earliestIdx == -1 || idx < earliestIdx || (idx == earliestIdx && len(token) > len(earliestToken)) {
				earliestIdx = idx
				earliestToken = token
			}
		}

		if earliestIdx == -1 {
			result = append(result, pt.splitPlain(remaining)...)
			break
		}
		if earliestIdx > 0 {
			result = append(result, pt.splitPlain(remaining[:earliestIdx])...)
		}
		result = append(result, earliestToken)
		remaining = remaining[earliestIdx+len(earliestToken):]
	}

	return result
}

func (pt *PreTokenizer) splitPlain(text string) []string {
	if pt.Pattern == nil {
		return []string{text}
	}
	matches := pt.Pattern.FindAllString(text, -1)
	if matches == nil {
		return []string{text}
	}
	return matches
}

// VocabSize returns one past the largest token id, counting added tokens.
func (t *Tokenizer) VocabSize() int {
	size := 0
	for id := range t.ReverseVocab {
		if id+1 > size {
			size = id + 1
		}
	}
	return size
}

// TokenToID converts a token string to its ID
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	if id, ok := t.AddedTokens[token]; ok {
		return id, true
	}
	id, ok := t.Vocab[token]
	return id, ok
}

// IDToToken converts a token ID to its string
func (t *Tokenizer) IDToToken(id int) (string, bool) {
	token, ok := t.ReverseVocab[id]
	return token, ok
}
