package llama2

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type Tokenizer struct {
	Words       []string
	Scores      []float32
	MaxTokenLen int // unused in Go version
	BOS_ID      int
	EOS_ID      int
	PAD_ID      int

	ids map[string]int
}

func NewTokenizer(words []string, scores []float32) *Tokenizer {
	t := &Tokenizer{
		Words:  words,
		Scores: scores,
		BOS_ID: 1, // llama2 uses BOS = 1 in tokenizer
		EOS_ID: 2, // llama2 uses EOS = 2 in tokenizer
		PAD_ID: 0, // <unk>, llama2 has no dedicated padding token
		ids:    make(map[string]int, len(words)),
	}
	for i, w := range words {
		if _, ok := t.ids[w]; !ok {
			t.ids[w] = i
		}
		if len(w) > t.MaxTokenLen {
			t.MaxTokenLen = len(w)
		}
	}
	return t
}

func NewTokenizerFromFile(vocabSize int, r io.Reader) (*Tokenizer, error) {
	var maxTokenLen int32
	if err := binary.Read(r, Endian, &maxTokenLen); err != nil {
		return nil, fmt.Errorf("cannot read max token length: %w", err)
	}

	words := make([]string, 0, vocabSize)
	scores := make([]float32, 0, vocabSize)
	for i := 0; i < vocabSize; i++ {
		var score float32
		if err := binary.Read(r, Endian, &score); err != nil {
			return nil, fmt.Errorf("cannot read score of token %d: %w", i, err)
		}
		var len int32
		if err := binary.Read(r, Endian, &len); err != nil {
			return nil, fmt.Errorf("cannot read length of token %d: %w", i, err)
		}
		word := make([]byte, len)
		if _, err := io.ReadFull(r, word); err != nil {
			return nil, fmt.Errorf("cannot read token %d: %w", i, err)
		}
		scores = append(scores, score)
		words = append(words, string(word))
	}

	t := NewTokenizer(words, scores)
	t.MaxTokenLen = int(maxTokenLen)
	return t, nil
}

// WriteTokenizer writes tokenizer in the layout NewTokenizerFromFile reads.
func WriteTokenizer(w io.Writer, v *Tokenizer) error {
	if err := binary.Write(w, Endian, int32(v.MaxTokenLen)); err != nil {
		return err
	}
	for i, word := range v.Words {
		if err := binary.Write(w, Endian, v.Scores[i]); err != nil {
			return err
		}
		if err := binary.Write(w, Endian, int32(len(word))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, word); err != nil {
			return err
		}
	}
	return nil
}

func (v *Tokenizer) EncodeWord(s string) int {
	if id, ok := v.ids[s]; ok {
		return id
	}
	return -1
}

// Encode is BPE over bytes, bytes missing in vocabulary fall back to <0xXX> tokens.
func (v *Tokenizer) Encode(s string) (tokens []int, err error) {
	// first encode every individual byte in the input string
	for i := 0; i < len(s); i++ {
		id := v.EncodeWord(s[i : i+1])
		if id == -1 {
			id = v.EncodeWord(fmt.Sprintf("<0x%02X>", s[i]))
		}
		if id == -1 {
			return nil, fmt.Errorf("bad token(%q)", s[i:i+1])
		}
		tokens = append(tokens, id)
	}

	// merge the best consecutive pair each iteration, according the scores
	for len(tokens) > 1 {
		bestScore, bestID, bestIdx := float32(-1e10), -1, -1
		for i := 0; i < len(tokens)-1; i++ {
			// check if we can merge the pair (tokens[i], tokens[i+1])
			if id := v.EncodeWord(v.Words[tokens[i]] + v.Words[tokens[i+1]]); id != -1 && v.Scores[id] > bestScore {
				// this merge pair exists in vocab! record its score and position
				bestScore, bestID, bestIdx = v.Scores[id], id, i
			}
		}

		if bestIdx == -1 {
			// we couldn't find any more pairs to merge, so we are done
			break
		}

		// merge the consecutive pair (bestIdx, bestIdx+1) into new token bestID
		tokens[bestIdx] = bestID
		// remove the token at bestIdx+1, shift the entire sequence back 1
		copy(tokens[bestIdx+1:], tokens[bestIdx+2:])
		tokens = tokens[:len(tokens)-1]
	}

	return tokens, nil
}

// Decode joins tokens into text, dropping BOS, EOS and padding.
func (v *Tokenizer) Decode(tokens []int) string {
	var b strings.Builder
	stripWhiteSpace := true
	for _, token := range tokens {
		if v.isControl(token) {
			// following BOS token (1), sentencepiece decoder strips any leading whitespace
			stripWhiteSpace = token == v.BOS_ID || stripWhiteSpace
			continue
		}
		word := v.Words[token]
		if c, ok := byteFallback(word); ok {
			b.WriteByte(c)
			stripWhiteSpace = false
			continue
		}
		if stripWhiteSpace && strings.HasPrefix(word, " ") {
			word = word[1:]
		}
		stripWhiteSpace = false
		b.WriteString(word)
	}
	return b.String()
}

// DecodeToken is text of token that follows prev, for printing tokens as they are sampled.
func (v *Tokenizer) DecodeToken(prev, token int) string {
	if v.isControl(token) {
		return ""
	}
	word := v.Words[token]
	if c, ok := byteFallback(word); ok {
		return string([]byte{c})
	}
	if prev == v.BOS_ID && strings.HasPrefix(word, " ") {
		return word[1:]
	}
	return word
}

func (v *Tokenizer) isControl(token int) bool {
	return token == v.BOS_ID || token == v.EOS_ID || token == v.PAD_ID || token < 0 || token >= len(v.Words)
}

// byteFallback decodes <0xXX> tokens.
func byteFallback(word string) (byte, bool) {
	if len(word) != 6 || !strings.HasPrefix(word, "<0x") || !strings.HasSuffix(word, ">") {
		return 0, false
	}
	c, err := strconv.ParseUint(word[3:5], 16, 8)
	return byte(c), err == nil
}
