// Package vocab implements the word level tokenizer and vocabulary used by the caption decoder.
//
// Encoding is total: words not in the vocabulary map to the unknown token, and every encoded caption
// has exactly MaxLength token ids, terminated by EOS and padded with PAD.
package vocab

import (
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Special tokens.
const (
	EOSToken = "<eos>"
	BOSToken = "<bos>"
	UNKToken = "<unk>"
	PADToken = "<pad>"
)

// wordPattern splits text into words (letters, digits and apostrophes) and single punctuation runes.
var wordPattern = regexp.MustCompile(`[\p{L}\p{N}']+|[^\s\p{L}\p{N}']`)

// Vocabulary maps between caption text and fixed length token id sequences.
//
// A Vocabulary is immutable after Build or Load, and safe for concurrent use.
type Vocabulary struct {
	tokens    []string
	ids       map[string]int32
	maxLength int

	eos, bos, unk, pad int32
	padIsAlias         bool
}

// BuildOptions configures Build.
type BuildOptions struct {
	// MaxLength is the fixed number of tokens of every encoded caption (L), including EOS and padding.
	MaxLength int

	// MinFrequency a word must have in the corpus to be included. Values <= 1 include every word seen.
	MinFrequency int

	// MaxSize caps the vocabulary size (special tokens included). 0 means no cap.
	MaxSize int

	// ExplicitPad adds a dedicated "<pad>" token. If false PAD is an alias of EOS.
	ExplicitPad bool
}

// Tokens splits text into the words and punctuation runes the vocabulary is built from.
func Tokens(text string) []string {
	return wordPattern.FindAllString(text, -1)
}

// Build creates a Vocabulary from the given captions.
//
// Words are ordered by decreasing frequency, ties broken lexicographically, so the same corpus always
// yields the same ids.
func Build(captions []string, opts BuildOptions) (*Vocabulary, error) {
	if opts.MaxLength < 2 {
		return nil, errors.Errorf("vocabulary MaxLength must be >= 2 (room for one token and EOS), got %d", opts.MaxLength)
	}
	counts := make(map[string]int)
	for _, caption := range captions {
		for _, word := range Tokens(caption) {
			counts[word]++
		}
	}
	words := maps.Keys(counts)
	slices.Sort(words)
	slices.SortStableFunc(words, func(a, b string) int {
		return counts[b] - counts[a]
	})

	specials := []string{EOSToken, BOSToken, UNKToken}
	if opts.ExplicitPad {
		specials = append(specials, PADToken)
	}
	tokens := slices.Clone(specials)
	for _, word := range words {
		if opts.MaxSize > 0 && len(tokens) >= opts.MaxSize {
			break
		}
		if counts[word] < opts.MinFrequency {
			continue
		}
		if slices.Contains(specials, word) {
			continue
		}
		tokens = append(tokens, word)
	}
	return newVocabulary(tokens, opts.MaxLength, opts.ExplicitPad)
}

func newVocabulary(tokens []string, maxLength int, explicitPad bool) (*Vocabulary, error) {
	v := &Vocabulary{
		tokens:    tokens,
		ids:       make(map[string]int32, len(tokens)),
		maxLength: maxLength,
	}
	for ii, token := range tokens {
		if _, found := v.ids[token]; found {
			return nil, errors.Errorf("duplicate token %q in vocabulary", token)
		}
		v.ids[token] = int32(ii)
	}
	var found bool
	for _, special := range []struct {
		name string
		id   *int32
	}{{EOSToken, &v.eos}, {BOSToken, &v.bos}, {UNKToken, &v.unk}} {
		*special.id, found = v.ids[special.name]
		if !found {
			return nil, errors.Errorf("vocabulary is missing special token %q", special.name)
		}
	}
	v.pad, found = v.ids[PADToken]
	if !found || !explicitPad {
		// No dedicated pad token: alias it to EOS.
		v.pad = v.eos
		v.padIsAlias = true
	}
	return v, nil
}

// Size returns the number of tokens, special tokens included.
func (v *Vocabulary) Size() int { return len(v.tokens) }

// MaxLength returns L, the length of every encoded caption.
func (v *Vocabulary) MaxLength() int { return v.maxLength }

// EOS returns the end-of-sequence token id.
func (v *Vocabulary) EOS() int32 { return v.eos }

// BOS returns the start marker token id, fed as the first decoder input.
func (v *Vocabulary) BOS() int32 { return v.bos }

// UNK returns the unknown word token id.
func (v *Vocabulary) UNK() int32 { return v.unk }

// PAD returns the padding token id. It equals EOS when PadIsAlias.
func (v *Vocabulary) PAD() int32 { return v.pad }

// PadIsAlias returns whether PAD is an alias of EOS, as opposed to a dedicated token.
func (v *Vocabulary) PadIsAlias() bool { return v.padIsAlias }

// Token returns the string for id, or UNKToken if id is out of range.
func (v *Vocabulary) Token(id int32) string {
	if id < 0 || int(id) >= len(v.tokens) {
		return UNKToken
	}
	return v.tokens[id]
}

// ID returns the id of the token, or UNK if it is not in the vocabulary.
func (v *Vocabulary) ID(token string) int32 {
	if id, found := v.ids[token]; found {
		return id
	}
	return v.unk
}

// IsSpecial returns whether id is one of the special tokens, which Decode drops.
func (v *Vocabulary) IsSpecial(id int32) bool {
	return id == v.eos || id == v.bos || id == v.unk || id == v.pad
}

// Encode converts text to exactly MaxLength token ids: at most MaxLength-1 word ids (longer text is
// truncated), then EOS, then PAD.
func (v *Vocabulary) Encode(text string) []int32 {
	ids := make([]int32, 0, v.maxLength)
	for _, word := range Tokens(text) {
		if len(ids) == v.maxLength-1 {
			break
		}
		ids = append(ids, v.ID(word))
	}
	ids = append(ids, v.eos)
	for len(ids) < v.maxLength {
		ids = append(ids, v.pad)
	}
	return ids
}

// Length returns the number of non-padding tokens of an encoded caption, EOS included.
func (v *Vocabulary) Length(ids []int32) int {
	for ii, id := range ids {
		if id == v.eos {
			return ii + 1
		}
	}
	return len(ids)
}

// noSpaceBefore are punctuation tokens attached to the previous word when decoding.
var noSpaceBefore = map[string]bool{
	".": true, ",": true, "!": true, "?": true, ";": true, ":": true, ")": true, "]": true, "%": true, "'": true,
}

// Decode converts token ids back to text. It stops at the first EOS and drops special tokens.
func (v *Vocabulary) Decode(ids []int32) string {
	var sb strings.Builder
	noSpaceNext := true
	for _, id := range ids {
		if id == v.eos {
			break
		}
		if v.IsSpecial(id) {
			continue
		}
		token := v.Token(id)
		if !noSpaceNext && !noSpaceBefore[token] {
			sb.WriteByte(' ')
		}
		sb.WriteString(token)
		noSpaceNext = token == "(" || token == "["
	}
	return sb.String()
}

// vocabularyFile is the serialized form of a Vocabulary.
type vocabularyFile struct {
	Tokens     []string `json:"tokens"`
	MaxLength  int      `json:"max_length"`
	PadIsAlias bool     `json:"pad_is_alias"`
}

// Save writes the vocabulary as JSON to filePath.
func (v *Vocabulary) Save(filePath string) error {
	data, err := json.MarshalIndent(vocabularyFile{
		Tokens:     v.tokens,
		MaxLength:  v.maxLength,
		PadIsAlias: v.padIsAlias,
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize vocabulary")
	}
	if err = os.WriteFile(filePath, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write vocabulary to %q", filePath)
	}
	return nil
}

// Load reads a vocabulary saved with Save.
func Load(filePath string) (*Vocabulary, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary from %q", filePath)
	}
	var vf vocabularyFile
	if err = json.Unmarshal(data, &vf); err != nil {
		return nil, errors.Wrapf(err, "failed to parse vocabulary %q", filePath)
	}
	if vf.MaxLength < 2 {
		return nil, errors.Errorf("vocabulary %q has invalid max_length %d", filePath, vf.MaxLength)
	}
	return newVocabulary(vf.Tokens, vf.MaxLength, !vf.PadIsAlias)
}
