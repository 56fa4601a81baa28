package embed

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// maxWordRunes is the length past which a word is mapped to [UNK] without
// trying to split it.
const maxWordRunes = 100

// WordPieceTokenizer is a BERT-compatible uncased WordPiece tokenizer.
type WordPieceTokenizer struct {
	vocab map[string]int64
	clsID int64
	sepID int64
	padID int64
	unkID int64
}

// LoadWordPieceTokenizer reads a vocab.txt with one token per line; the
// line number is the token id.
func LoadWordPieceTokenizer(path string) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		token := strings.TrimSpace(sc.Text())
		if token != "" {
			vocab[token] = idx
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	return NewWordPieceTokenizer(vocab)
}

// NewWordPieceTokenizer builds a tokenizer from an in-memory vocabulary.
func NewWordPieceTokenizer(vocab map[string]int64) (*WordPieceTokenizer, error) {
	t := &WordPieceTokenizer{vocab: vocab}
	for _, sp := range []struct {
		token string
		dst   *int64
	}{
		{"[CLS]", &t.clsID},
		{"[SEP]", &t.sepID},
		{"[PAD]", &t.padID},
		{"[UNK]", &t.unkID},
	} {
		id, ok := vocab[sp.token]
		if !ok {
			return nil, fmt.Errorf("vocab is missing special token %s", sp.token)
		}
		*sp.dst = id
	}
	return t, nil
}

// Encode returns input ids and the attention mask, both exactly seqLen
// long: [CLS] tokens... [SEP] followed by padding. Long input is truncated.
func (t *WordPieceTokenizer) Encode(text string, seqLen int) (ids, mask []int64) {
	if seqLen < 2 {
		return nil, nil
	}

	ids = make([]int64, 0, seqLen)
	ids = append(ids, t.clsID)
	for _, w := range basicTokens(text) {
		pieces := t.wordPiece(w)
		if len(ids)+len(pieces) > seqLen-1 {
			break
		}
		ids = append(ids, pieces...)
	}
	ids = append(ids, t.sepID)

	mask = make([]int64, seqLen)
	for i := range ids {
		mask[i] = 1
	}
	for len(ids) < seqLen {
		ids = append(ids, t.padID)
	}
	return ids, mask
}

// wordPiece splits a word greedily into the longest vocabulary prefixes.
func (t *WordPieceTokenizer) wordPiece(word string) []int64 {
	runes := []rune(word)
	if len(runes) > maxWordRunes {
		return []int64{t.unkID}
	}
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}

	var pieces []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		found := false
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := t.vocab[sub]; ok {
				pieces = append(pieces, id)
				found = true
				break
			}
			end--
		}
		if !found {
			return []int64{t.unkID}
		}
		start = end
	}
	return pieces
}

// basicTokens lowercases text, drops control characters and splits on
// whitespace and punctuation, keeping each punctuation rune as a token.
func basicTokens(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			out = append(out, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
