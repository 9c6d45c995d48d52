package knowledge

import (
	"math"
	"sort"
	"strings"

	"github.com/stoa-app/coach-engine/internal/models"
)

// tfidfEmbedder builds sparse TF-IDF vectors over the corpus. Good
// enough for a few hundred passages; swap for a hosted embedding model
// when the corpus outgrows it.
type tfidfEmbedder struct {
	vocabulary map[string]int
	idf        map[string]float64
}

func newTFIDFEmbedder() *tfidfEmbedder {
	return &tfidfEmbedder{
		vocabulary: make(map[string]int),
		idf:        make(map[string]float64),
	}
}

func (e *tfidfEmbedder) buildVocabulary(chunks []models.KnowledgeChunk) {
	e.vocabulary = make(map[string]int)
	e.idf = make(map[string]float64)

	df := make(map[string]int)
	total := len(chunks)

	vocabIndex := 0
	for _, c := range chunks {
		tokens := tokenize(c.Content)
		seen := make(map[string]bool)

		for _, token := range tokens {
			if _, exists := e.vocabulary[token]; !exists {
				e.vocabulary[token] = vocabIndex
				vocabIndex++
			}
			if !seen[token] {
				df[token]++
				seen[token] = true
			}
		}
	}

	for token, freq := range df {
		e.idf[token] = math.Log(float64(total) / float64(freq))
	}
}

func (e *tfidfEmbedder) embed(text string) []float32 {
	tokens := tokenize(text)
	vector := make([]float32, len(e.vocabulary))
	if len(tokens) == 0 {
		return vector
	}

	tf := make(map[string]int)
	for _, token := range tokens {
		tf[token]++
	}

	for token, freq := range tf {
		if idx, exists := e.vocabulary[token]; exists {
			tfValue := float64(freq) / float64(len(tokens))
			vector[idx] = float32(tfValue * e.idf[token])
		}
	}
	return vector
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

func sortChunksByScore(chunks []models.KnowledgeChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Score > chunks[j].Score
	})
}

// tokenize splits text into lowercase word tokens, dropping punctuation,
// short words, and bare numbers.
func tokenize(text string) []string {
	text = strings.ToLower(text)

	replacer := strings.NewReplacer(
		".", " ", ",", " ", ";", " ", ":", " ",
		"!", " ", "?", " ", "(", " ", ")", " ",
		"[", " ", "]", " ", "{", " ", "}", " ",
		"\"", " ", "'", " ", "-", " ", "_", " ",
		"\n", " ", "\t", " ", "\r", " ",
	)
	text = replacer.Replace(text)

	words := strings.Fields(text)

	var tokens []string
	for _, word := range words {
		if len(word) > 2 && !isNumber(word) {
			tokens = append(tokens, word)
		}
	}
	return tokens
}

func isNumber(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
