package text

import (
	"testing"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeDropsStopWordsAndKeepsDuplicates(t *testing.T) {
	tok := NewTokenizer([]string{"the", "and"})

	got := tok.Tokenize("The red-shoes AND the red_hat, 42 times!")

	assert.Equal(t, []string{"red", "shoes", "red", "hat", "42", "times"}, got)
}

func TestTokenizeMinLength(t *testing.T) {
	tok := NewTokenizer(nil)
	tok.MinLength = 2

	assert.Equal(t, []string{"xl", "shirt"}, tok.Tokenize("a xl shirt"))
}

func TestStripMarkup(t *testing.T) {
	got := StripMarkup("<p>Blue &amp; <b>red</b>\n\n shoes</p>")
	assert.Equal(t, "Blue & red shoes", got)
	assert.Equal(t, "plain text", StripMarkup("  plain   text "))
}

func TestNormalizer(t *testing.T) {
	n := NewNormalizer(12, map[string]string{"t-shirt": "tshirt", "-": " "}, []string{"!"})

	assert.Equal(t, "tshirt navy", n.Normalize("T-Shirt Navy!"))
	assert.Equal(t, "abcdefghijkl", n.Normalize("abcdefghijklmnop"))
	assert.Equal(t, "", n.Normalize("   "))
}

func TestSynonymsExpandWholeWordsOnly(t *testing.T) {
	s := ParseSynonyms([]string{"tee, t-shirt", "sofa, couch", "lonely"})
	require.Equal(t, 2, s.Len())

	assert.Equal(t, "Cotton Tee tee t-shirt", s.Expand("Cotton Tee"))
	assert.Equal(t, "Teepee tent", s.Expand("Teepee tent"))
	assert.Equal(t, "couch and tee tee t-shirt sofa couch", s.Expand("couch and tee"))
}

func TestStemmerRegistry(t *testing.T) {
	_, err := LookupStemmer("klingon")
	require.ErrorIs(t, err, apperrors.ErrUnknownStemmer)

	none, err := LookupStemmer("")
	require.NoError(t, err)
	assert.Equal(t, "running", none("running"))

	eng, err := LookupStemmer("english")
	require.NoError(t, err)
	assert.Equal(t, "run", eng("running"))

	require.NoError(t, RegisterStemmer("test-upper", func(w string) string { return w + "!" }))
	require.Error(t, RegisterStemmer("test-upper", func(w string) string { return w }))
	assert.Contains(t, Stemmers(), "test-upper")
}

func TestSuffixStem(t *testing.T) {
	assert.Equal(t, "shoe", SuffixStem("shoes"))
	assert.Equal(t, "run", SuffixStem("runing"))
	assert.Equal(t, "dress", SuffixStem("dress"))
	assert.Equal(t, "is", SuffixStem("is"))
}

func TestPipelineTermsAndCounts(t *testing.T) {
	p, err := NewPipeline(config.IndexConfig{
		Stemmer:   "suffix",
		StopWords: []string{"the"},
		Synonyms:  []string{"sneaker, trainer"},
	})
	require.NoError(t, err)
	assert.Equal(t, "suffix", p.Stemmer())

	counts := p.Counts("<b>The</b> red sneakers", "red sneaker")

	assert.Equal(t, map[string]int{"red": 2, "sneaker": 3, "trainer": 1}, counts)
}

func TestPipelineRejectsUnknownStemmer(t *testing.T) {
	_, err := NewPipeline(config.IndexConfig{Stemmer: "nope"})
	require.ErrorIs(t, err, apperrors.ErrUnknownStemmer)
}

func TestKeywordsLongestFirstWithFinalMarker(t *testing.T) {
	p, err := NewPipeline(config.IndexConfig{})
	require.NoError(t, err)

	kw := p.Keywords("red leather boo")

	require.Len(t, kw, 3)
	assert.Equal(t, Keyword{Term: "leather"}, kw[0])
	assert.Equal(t, Keyword{Term: "red"}, kw[1])
	assert.Equal(t, Keyword{Term: "boo", Final: true}, kw[2])
}

func TestKeywordsDeduplicates(t *testing.T) {
	p, err := NewPipeline(config.IndexConfig{})
	require.NoError(t, err)

	kw := p.Keywords("red shoes red")

	assert.Equal(t, []Keyword{{Term: "shoes"}, {Term: "red", Final: true}}, kw)
}
