// Package ftsindex manages the embedded lexical (full-text) index: opening
// a collection's Bleve index for search, and writing to it from
// the indexing pipeline. Spec-wise the manager's contract is read-only
// (search.md describes index construction as an external concern); since
// nothing else in this repository builds the lexical index, Index/Delete
// are exposed here too so the indexing path has somewhere to write.
package ftsindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"

	ierrors "github.com/amanmcp-lab/codeindexer/internal/errors"
)

const (
	codeTokenizerName = "code_tokenizer"
	codeAnalyzerName  = "code_analyzer"

	fieldPath     = "path"
	fieldLanguage = "language"
	fieldContent  = "content"
)

func init() {
	_ = registry.RegisterTokenizer(codeTokenizerName, codeTokenizerConstructor)
}

// Document is a chunk indexed for lexical search.
type Document struct {
	ID       string
	Path     string
	Language string
	Content  string
}

// Result is one lexical search hit.
type Result struct {
	ID      string
	Path    string
	Score   float64
	Snippet string
}

// Options controls how Search interprets a query string.
type Options struct {
	// Mode selects how QueryText is parsed: "" / "boolean" (Bleve query
	// string syntax), "phrase", "fuzzy", or "regex".
	Mode string

	CaseSensitive bool
	EditDistance  int // used when Mode == "fuzzy"
	MaxSnippetLines int
	LanguageFilter  string
	PathInclude     string // substring match
	PathExclude     string // substring match
	Limit           int
}

// Searcher wraps an opened Bleve index; the handle is the same one the
// Manager writes through.
type Searcher struct {
	index bleve.Index
	path  string
}

// Manager opens and manages per-collection lexical indices.
type Manager struct {
	basePath string

	mu      sync.Mutex
	indices map[string]bleve.Index
}

// New returns a Manager storing indices under basePath/<collection>/fts_index.
func New(basePath string) *Manager {
	return &Manager{basePath: basePath, indices: make(map[string]bleve.Index)}
}

func (m *Manager) indexPath(collection string) string {
	return filepath.Join(m.basePath, collection, "fts_index")
}

// Open opens an existing index for search, reusing the Manager's cached
// read-write handle. A missing index directory means
// FTS is unavailable for this collection; callers must handle the nil
// Searcher, nil-error case gracefully rather than treating it as failure.
func (m *Manager) Open(collection string) (*Searcher, error) {
	path := m.indexPath(collection)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	idx, err := m.getOrOpenForWrite(collection)
	if err != nil {
		return nil, err
	}
	return &Searcher{index: idx, path: path}, nil
}

// getOrOpenForWrite opens (creating if necessary) the index used for both
// writing and searching, caching the handle per collection.
func (m *Manager) getOrOpenForWrite(collection string) (bleve.Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.indices[collection]; ok {
		return idx, nil
	}

	path := m.indexPath(collection)
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, ierrors.IOError("creating fts index directory", mkErr)
		}
		indexMapping, mapErr := buildMapping()
		if mapErr != nil {
			return nil, ierrors.InternalError("building fts index mapping", mapErr)
		}
		idx, err = bleve.New(path, indexMapping)
	}
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeFTSUnavailable, fmt.Sprintf("opening fts index for %q", collection), err)
	}

	m.indices[collection] = idx
	return idx, nil
}

func buildMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	if err := im.AddCustomAnalyzer(codeAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": codeTokenizerName,
		"token_filters": []string{
			lowercase.Name,
		},
	}); err != nil {
		return nil, fmt.Errorf("add custom analyzer: %w", err)
	}
	im.DefaultAnalyzer = codeAnalyzerName
	return im, nil
}

// Index adds or replaces documents in collection's lexical index.
func (m *Manager) Index(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	idx, err := m.getOrOpenForWrite(collection)
	if err != nil {
		return err
	}

	batch := idx.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, map[string]any{
			fieldPath:     d.Path,
			fieldLanguage: d.Language,
			fieldContent:  d.Content,
		}); err != nil {
			return ierrors.InternalError(fmt.Sprintf("indexing document %q", d.ID), err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return ierrors.New(ierrors.ErrCodeFTSUnavailable, "executing fts index batch", err)
	}
	return nil
}

// Delete removes documents from collection's lexical index.
func (m *Manager) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	idx, err := m.getOrOpenForWrite(collection)
	if err != nil {
		return err
	}
	batch := idx.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := idx.Batch(batch); err != nil {
		return ierrors.New(ierrors.ErrCodeFTSUnavailable, "deleting from fts index", err)
	}
	return nil
}

// Search runs a lexical search against an opened Searcher.
func Search(ctx context.Context, s *Searcher, queryText string, opts Options) ([]Result, error) {
	if s == nil {
		return nil, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	q, err := buildQuery(queryText, opts)
	if err != nil {
		return nil, ierrors.ValidationError("building fts query", err)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = opts.Limit
	req.Fields = []string{fieldPath, fieldLanguage, fieldContent}
	req.IncludeLocations = true
	req.Highlight = bleve.NewHighlight()

	result, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, ierrors.New(ierrors.ErrCodeFTSUnavailable, "executing fts search", err)
	}

	out := make([]Result, 0, len(result.Hits))
	for _, hit := range result.Hits {
		path, _ := hit.Fields[fieldPath].(string)
		if opts.PathInclude != "" && !strings.Contains(path, opts.PathInclude) {
			continue
		}
		if opts.PathExclude != "" && strings.Contains(path, opts.PathExclude) {
			continue
		}
		out = append(out, Result{
			ID:      hit.ID,
			Path:    path,
			Score:   hit.Score,
			Snippet: snippetFor(hit, opts.MaxSnippetLines),
		})
	}
	return out, nil
}

func buildQuery(queryText string, opts Options) (query.Query, error) {
	// Content is indexed through a lowercasing analyzer, so a
	// case-sensitive request is honored by leaving the query text as the
	// caller gave it (it simply won't match differently-cased content);
	// the default folds the query to lowercase to match normally.
	if !opts.CaseSensitive && opts.Mode != "regex" {
		queryText = strings.ToLower(queryText)
	}
	switch opts.Mode {
	case "phrase":
		q := bleve.NewMatchPhraseQuery(queryText)
		q.SetField(fieldContent)
		return withLanguageFilter(q, opts), nil
	case "fuzzy":
		q := bleve.NewFuzzyQuery(queryText)
		q.SetField(fieldContent)
		q.Fuzziness = opts.EditDistance
		return withLanguageFilter(q, opts), nil
	case "regex":
		if _, err := regexp.Compile(queryText); err != nil {
			return nil, fmt.Errorf("invalid regex: %w", err)
		}
		q := bleve.NewRegexpQuery(queryText)
		q.SetField(fieldContent)
		return withLanguageFilter(q, opts), nil
	default:
		q := bleve.NewQueryStringQuery(queryText)
		return withLanguageFilter(q, opts), nil
	}
}

func withLanguageFilter(q query.Query, opts Options) query.Query {
	if opts.LanguageFilter == "" {
		return q
	}
	langQ := bleve.NewMatchQuery(opts.LanguageFilter)
	langQ.SetField(fieldLanguage)
	return bleve.NewConjunctionQuery(q, langQ)
}

func snippetFor(hit *search.DocumentMatch, maxLines int) string {
	for field, fragments := range hit.Fragments {
		if field != fieldContent || len(fragments) == 0 {
			continue
		}
		frag := fragments[0]
		if maxLines <= 0 {
			return frag
		}
		lines := strings.Split(frag, "\n")
		if len(lines) > maxLines {
			lines = lines[:maxLines]
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

func codeTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &codeTokenizer{}, nil
}

// codeTokenizer emits each run of ASCII letters and digits as one token, so
// punctuation and underscores (snake_case) separate sub-words; a camelCase
// identifier stays a single token.
type codeTokenizer struct{}

var tokenBoundary = regexp.MustCompile(`[A-Za-z0-9]+`)

func (t *codeTokenizer) Tokenize(input []byte) analysis.TokenStream {
	matches := tokenBoundary.FindAllIndex(input, -1)
	out := make(analysis.TokenStream, 0, len(matches))
	for i, m := range matches {
		out = append(out, &analysis.Token{
			Term:     input[m[0]:m[1]],
			Start:    m[0],
			End:      m[1],
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
	}
	return out
}
