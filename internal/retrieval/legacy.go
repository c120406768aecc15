package retrieval

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/manualrag/internal/documents"
	"github.com/fyrsmithlabs/manualrag/internal/tenant"
	"github.com/fyrsmithlabs/manualrag/internal/vectorstore"
)

// maxSnippetRunes bounds the page excerpt returned as chunk text.
const maxSnippetRunes = 1000

// PageSearcher finds stored pages containing any of the terms.
// *documents.SQLiteRepository implements it.
type PageSearcher interface {
	SearchPages(ctx context.Context, tenantID tenant.ID, terms []string, limit int) ([]documents.Page, error)
}

// LegacyRetriever ranks stored page text by query term overlap. It needs
// no embeddings and keeps working while vector search is disabled or
// unavailable.
type LegacyRetriever struct {
	pages         PageSearcher
	candidatePool int
}

// NewLegacyRetriever scores at most candidatePool matching pages per query.
func NewLegacyRetriever(pages PageSearcher, candidatePool int) *LegacyRetriever {
	if candidatePool <= 0 {
		candidatePool = 200
	}
	return &LegacyRetriever{pages: pages, candidatePool: candidatePool}
}

// LegacyChunkID identifies a legacy result: the page of a document.
func LegacyChunkID(documentID string, page int) string {
	return fmt.Sprintf("%s:p%04d", documentID, page)
}

// Search returns pages of tenantID ranked by the fraction of distinct
// query terms they contain. Similarity is that fraction, in [0,1].
func (l *LegacyRetriever) Search(ctx context.Context, tenantID tenant.ID, query string, topK int, threshold float64) ([]vectorstore.SearchResult, error) {
	terms := uniqueTerms(query)
	if len(terms) == 0 {
		return []vectorstore.SearchResult{}, nil
	}

	pages, err := l.pages.SearchPages(ctx, tenantID, terms, l.candidatePool)
	if err != nil {
		return nil, fmt.Errorf("legacy page search: %w", err)
	}

	results := make([]vectorstore.SearchResult, 0, len(pages))
	for _, p := range pages {
		score := termOverlap(terms, p.Text)
		if score == 0 || score < threshold {
			continue
		}
		results = append(results, vectorstore.SearchResult{
			ChunkID:    LegacyChunkID(p.DocumentID, p.Number),
			DocumentID: p.DocumentID,
			Similarity: score,
			Text:       snippet(p.Text, terms),
			Page:       p.Number,
			Ordinal:    p.Number - 1,
		})
	}
	vectorstore.SortResults(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// tokenize splits text into lowercase terms, dropping stopwords and terms
// of two characters or less.
func tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	filtered := tokens[:0]
	for _, token := range tokens {
		if len([]rune(token)) > 2 && !stopwords[token] {
			filtered = append(filtered, token)
		}
	}
	return filtered
}

func uniqueTerms(text string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, t := range tokenize(text) {
		if !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}
	return terms
}

// termOverlap returns the share of terms that occur as tokens of text.
func termOverlap(terms []string, text string) float64 {
	tokens := make(map[string]bool)
	for _, t := range tokenize(text) {
		tokens[t] = true
	}
	matched := 0
	for _, t := range terms {
		if tokens[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// snippet returns up to maxSnippetRunes of text around the first term
// occurrence.
func snippet(text string, terms []string) string {
	runes := []rune(text)
	if len(runes) <= maxSnippetRunes {
		return text
	}
	lower := []rune(strings.ToLower(text))
	first := len(lower)
	for _, t := range terms {
		if i := indexRunes(lower, []rune(t)); i >= 0 && i < first {
			first = i
		}
	}
	if first == len(lower) {
		first = 0
	}
	start := max(0, first-maxSnippetRunes/4)
	end := min(len(runes), start+maxSnippetRunes)
	start = max(0, end-maxSnippetRunes)
	return strings.TrimSpace(string(runes[start:end]))
}

func indexRunes(s, sub []rune) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		match := true
		for j := range sub {
			if s[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true, "from": true,
	"was": true, "are": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "you": true, "she": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true, "how": true,
	"not": true, "too": true, "our": true, "its": true, "into": true, "there": true,
}
