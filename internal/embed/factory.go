package embed

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProviderType identifies a supported embedding backend.
type ProviderType string

const (
	ProviderOllama   ProviderType = "ollama"
	ProviderVoyageAI ProviderType = "voyageai"
)

// ValidProviders lists all supported provider identifiers.
var ValidProviders = []ProviderType{ProviderOllama, ProviderVoyageAI}

// IsValidProvider reports whether the given string names a supported
// provider.
func IsValidProvider(s string) bool {
	return ParseProvider(s) != ""
}

// ParseProvider normalizes a provider string, returning "" if unrecognized.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ollama":
		return ProviderOllama
	case "voyageai", "voyage":
		return ProviderVoyageAI
	default:
		return ""
	}
}

// NewEmbedder constructs an embedder for the given provider and model,
// wrapping it with an LRU cache unless disabled via CODEINDEXER_EMBED_CACHE.
//
// An empty provider string defaults to Ollama, since it requires no API key
// and runs locally.
func NewEmbedder(ctx context.Context, provider string, model string) (Embedder, error) {
	if override := os.Getenv("CODEINDEXER_EMBEDDER"); override != "" {
		provider = override
	}

	var (
		inner Embedder
		err   error
	)

	switch ParseProvider(provider) {
	case ProviderVoyageAI:
		inner, err = newVoyageEmbedder(model)
	case ProviderOllama, "":
		inner, err = newOllamaEmbedder(ctx, model)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (valid: %v)", provider, ValidProviders)
	}
	if err != nil {
		return nil, err
	}

	if isCacheDisabled() {
		return inner, nil
	}
	return NewCachedEmbedderWithDefaults(inner), nil
}

func isCacheDisabled() bool {
	v := strings.ToLower(os.Getenv("CODEINDEXER_EMBED_CACHE"))
	return v == "0" || v == "false" || v == "off"
}

func newOllamaEmbedder(ctx context.Context, model string) (Embedder, error) {
	cfg := DefaultOllamaConfig()
	if model != "" {
		cfg.Model = model
	}
	if host := os.Getenv("CODEINDEXER_OLLAMA_HOST"); host != "" {
		cfg.Host = host
	}
	if envModel := os.Getenv("CODEINDEXER_OLLAMA_MODEL"); envModel != "" {
		cfg.Model = envModel
	}
	if batchSize := os.Getenv("CODEINDEXER_EMBED_BATCH_SIZE"); batchSize != "" {
		if n, err := strconv.Atoi(batchSize); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	return NewOllamaEmbedder(ctx, cfg)
}

func newVoyageEmbedder(model string) (Embedder, error) {
	cfg := DefaultVoyageConfig()
	if model != "" {
		cfg.Model = model
	}
	cfg.APIKey = os.Getenv("CODEINDEXER_VOYAGE_API_KEY")
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("VOYAGE_API_KEY")
	}
	return NewVoyageEmbedder(cfg)
}

// EmbedderInfo summarizes a constructed embedder for status reporting.
type EmbedderInfo struct {
	Provider   string
	Model      string
	Dimensions int
	Cached     bool
}

// GetInfo inspects an embedder (unwrapping a CachedEmbedder if present) and
// reports its provider, model, and dimensions.
func GetInfo(e Embedder) EmbedderInfo {
	cached := false
	target := e
	if ce, ok := e.(*CachedEmbedder); ok {
		cached = true
		target = ce.Inner()
	}

	provider := "unknown"
	switch target.(type) {
	case *OllamaEmbedder:
		provider = string(ProviderOllama)
	case *VoyageEmbedder:
		provider = string(ProviderVoyageAI)
	}

	return EmbedderInfo{
		Provider:   provider,
		Model:      target.ModelName(),
		Dimensions: target.Dimensions(),
		Cached:     cached,
	}
}

// MustNewEmbedder is like NewEmbedder but panics on error. Intended for
// initialization paths (e.g. CLI command setup) where a failure is fatal.
func MustNewEmbedder(ctx context.Context, provider, model string) Embedder {
	e, err := NewEmbedder(ctx, provider, model)
	if err != nil {
		panic(err)
	}
	return e
}
