package search

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/orneryd/mindtree/pkg/storage"
)

// BM25 parameters (standard values)
const (
	bm25K1 = 1.2  // Term frequency saturation
	bm25B  = 0.75 // Length normalization

	prefixWeight = 0.8 // Prefix matches count less than exact terms
	phraseWeight = 1.0 // Bonus for a verbatim substring hit
)

// fulltextIndex is a BM25 index over one snapshot of vertex texts. It is
// built and queried by a single goroutine.
type fulltextIndex struct {
	// Document storage: vertex -> original text
	documents map[storage.VertexID]string

	// Inverted index: term -> vertex -> term frequency
	inverted map[string]map[storage.VertexID]int

	// Document lengths in tokens
	lengths map[storage.VertexID]int

	totalLength int
}

func newFulltextIndex() *fulltextIndex {
	return &fulltextIndex{
		documents: make(map[storage.VertexID]string),
		inverted:  make(map[string]map[storage.VertexID]int),
		lengths:   make(map[storage.VertexID]int),
	}
}

// add indexes text under id. Texts without tokens are still kept for
// phrase matching.
func (f *fulltextIndex) add(id storage.VertexID, text string) {
	f.documents[id] = text

	tokens := tokenize(text)
	f.lengths[id] = len(tokens)
	f.totalLength += len(tokens)

	for _, token := range tokens {
		docs := f.inverted[token]
		if docs == nil {
			docs = make(map[storage.VertexID]int)
			f.inverted[token] = docs
		}
		docs[id]++
	}
}

func (f *fulltextIndex) count() int {
	return len(f.documents)
}

// scored is one ranked hit.
type scored struct {
	id    storage.VertexID
	score float64
}

// search ranks documents for query, best first. Terms match exactly or as
// a prefix of an indexed term; the whole query also matches as a
// case-insensitive substring.
func (f *fulltextIndex) search(query string, limit int) []scored {
	if len(f.documents) == 0 {
		return nil
	}

	scores := make(map[storage.VertexID]float64)
	avgLength := f.avgDocLength()

	for _, term := range tokenize(query) {
		for indexed, docs := range f.inverted {
			weight := 1.0
			switch {
			case indexed == term:
			case strings.HasPrefix(indexed, term):
				weight = prefixWeight
			default:
				continue
			}
			idf := f.idf(indexed) * weight
			for id, freq := range docs {
				scores[id] += idf * bm25(float64(freq), float64(f.lengths[id]), avgLength)
			}
		}
	}

	phrase := strings.ToLower(strings.TrimSpace(query))
	if phrase != "" {
		for id, text := range f.documents {
			if idx := strings.Index(strings.ToLower(text), phrase); idx >= 0 {
				// Earlier hits score higher.
				scores[id] += phraseWeight / (1.0 + float64(idx)/100.0)
			}
		}
	}

	results := make([]scored, 0, len(scores))
	for id, score := range scores {
		results = append(results, scored{id: id, score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].id < results[j].id
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func bm25(tf, docLen, avgLen float64) float64 {
	if avgLen == 0 {
		avgLen = 1
	}
	numerator := tf * (bm25K1 + 1)
	denominator := tf + bm25K1*(1-bm25B+bm25B*(docLen/avgLen))
	return numerator / denominator
}

// idf uses the Lucene variant log(1 + (N - df + 0.5) / (df + 0.5)), which
// stays non-negative for common terms.
func (f *fulltextIndex) idf(term string) float64 {
	df := float64(len(f.inverted[term]))
	n := float64(len(f.documents))
	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	if idf < 0 {
		idf = 0
	}
	return idf
}

func (f *fulltextIndex) avgDocLength() float64 {
	if len(f.documents) == 0 {
		return 0
	}
	return float64(f.totalLength) / float64(len(f.documents))
}

// tokenize splits text into lowercase tokens, dropping single characters
// and stop words.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	var tokens []string
	for _, word := range words {
		if len([]rune(word)) < 2 || stopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// A minimal list of generic words.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"with": true, "this": true, "but": true, "they": true,
	"we": true, "you": true, "your": true, "my": true, "their": true,
	"been": true, "do": true, "does": true, "did": true,
}
