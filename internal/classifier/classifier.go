// Package classifier flags crisis language and tags coarse sentiment and
// topics with a keyword lexicon.
package classifier

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var defaultLexicon []byte

// Sentiment is the coarse polarity of a message.
type Sentiment string

const (
	Positive Sentiment = "positive"
	Negative Sentiment = "negative"
	Neutral  Sentiment = "neutral"
)

// Classification is the result of Classify.
type Classification struct {
	IsCrisis  bool      `json:"is_crisis"`
	Sentiment Sentiment `json:"sentiment"`
	Topics    []string  `json:"topics,omitempty"`
}

// Classifier is the strategy the session controller consults.
type Classifier interface {
	Classify(text string) Classification
	CrisisResources(locale string) string
}

// Lexicon is the decoded YAML word list.
type Lexicon struct {
	Crisis    []string `yaml:"crisis"`
	Sentiment struct {
		Positive []string `yaml:"positive"`
		Negative []string `yaml:"negative"`
	} `yaml:"sentiment"`
	Topics    map[string][]string `yaml:"topics"`
	Resources map[string]string   `yaml:"resources"`
}

// Keyword matches substrings of folded text.
type Keyword struct {
	lex *Lexicon

	crisis   []string
	positive []string
	negative []string
	topics   map[string][]string
	order    []string
}

// Default returns a classifier over the embedded lexicon.
func Default() *Keyword {
	k, err := Parse(defaultLexicon)
	if err != nil {
		panic(fmt.Sprintf("classifier: embedded lexicon: %v", err))
	}
	return k
}

// Load reads a lexicon file, or the embedded default when path is empty.
func Load(path string) (*Keyword, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("classifier: read lexicon: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML lexicon.
func Parse(data []byte) (*Keyword, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("classifier: decode lexicon: %w", err)
	}
	if len(lex.Crisis) == 0 {
		return nil, fmt.Errorf("classifier: lexicon has no crisis keywords")
	}
	if strings.TrimSpace(lex.Resources["es"]) == "" && strings.TrimSpace(lex.Resources["en"]) == "" {
		return nil, fmt.Errorf("classifier: lexicon has no crisis resources")
	}
	k := &Keyword{
		lex:      &lex,
		crisis:   foldAll(lex.Crisis),
		positive: foldAll(lex.Sentiment.Positive),
		negative: foldAll(lex.Sentiment.Negative),
		topics:   make(map[string][]string, len(lex.Topics)),
	}
	for topic, words := range lex.Topics {
		k.topics[topic] = foldAll(words)
		k.order = append(k.order, topic)
	}
	sort.Strings(k.order)
	return k, nil
}

// Classify is a pure function of text.
func (k *Keyword) Classify(text string) Classification {
	folded := Fold(text)
	out := Classification{
		IsCrisis:  containsAny(folded, k.crisis),
		Sentiment: Neutral,
	}
	pos, neg := countMatches(folded, k.positive), countMatches(folded, k.negative)
	switch {
	case pos > neg:
		out.Sentiment = Positive
	case neg > pos:
		out.Sentiment = Negative
	}
	for _, topic := range k.order {
		if containsAny(folded, k.topics[topic]) {
			out.Topics = append(out.Topics, topic)
		}
	}
	return out
}

var supported = language.NewMatcher([]language.Tag{language.Spanish, language.English})

// CrisisResources returns the resource block for locale, defaulting to Spanish.
func (k *Keyword) CrisisResources(locale string) string {
	key := "es"
	if tag, err := language.Parse(locale); err == nil {
		if _, idx, conf := supported.Match(tag); conf != language.No && idx == 1 {
			key = "en"
		}
	}
	if text := k.lex.Resources[key]; text != "" {
		return text
	}
	for _, text := range k.lex.Resources {
		return text
	}
	return ""
}

// Fold lowercases s and strips combining marks so "Depresión" matches
// "depresion".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

func foldAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(Fold(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func countMatches(s string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(s, w) {
			n++
		}
	}
	return n
}

var _ Classifier = (*Keyword)(nil)
