// Package embed builds the embedding functions used by the semantic index.
package embed

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/philippgille/chromem-go"
	"github.com/zeebo/blake3"
	"google.golang.org/genai"
)

const (
	// Dimension is the output size requested from every provider.
	Dimension = 768

	// DefaultGeminiModel is used when no Gemini model is configured.
	DefaultGeminiModel = "gemini-embedding-001"

	// DefaultOpenAIModel is used when no OpenAI-compatible model is configured.
	DefaultOpenAIModel = "nomic-embed-text-v1.5"

	// QueryPrefix marks texts that are search queries rather than documents.
	QueryPrefix = "QUERY_TASK:"

	taskTypeDocument = "RETRIEVAL_DOCUMENT"
	taskTypeQuery    = "RETRIEVAL_QUERY"
)

// Provider names accepted by New.
const (
	ProviderHash   = "hash"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Options selects and configures a provider.
type Options struct {
	Provider string

	GeminiAPIKey string
	GeminiModel  string

	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
}

// Query marks text as a search query.
func Query(text string) string {
	return QueryPrefix + text
}

// New returns the embedding function for opts.Provider.
func New(ctx context.Context, opts Options) (chromem.EmbeddingFunc, error) {
	switch opts.Provider {
	case "", ProviderHash:
		return NewHash(Dimension), nil
	case ProviderGemini:
		if opts.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini embedding provider requires GEMINI_API_KEY")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  opts.GeminiAPIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create GenAI client: %w", err)
		}
		model := opts.GeminiModel
		if model == "" {
			model = DefaultGeminiModel
		}
		return NewGemini(client, model), nil
	case ProviderOpenAI, "lmstudio":
		model := opts.OpenAIModel
		if model == "" {
			model = DefaultOpenAIModel
		}
		return NewOpenAI(opts.OpenAIBaseURL, opts.OpenAIAPIKey, model), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
}

// NewGemini creates an embedding function using Gemini's embedding API.
func NewGemini(client *genai.Client, model string) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		taskType := taskTypeDocument
		if strings.HasPrefix(text, QueryPrefix) {
			taskType = taskTypeQuery
			text = strings.TrimPrefix(text, QueryPrefix)
		}

		contents := []*genai.Content{{Parts: []*genai.Part{{Text: text}}}}
		dim := int32(Dimension)
		res, err := client.Models.EmbedContent(ctx, model, contents, &genai.EmbedContentConfig{
			TaskType:             taskType,
			OutputDimensionality: &dim,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini embedding failed: %w", err)
		}
		if len(res.Embeddings) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}
		values := res.Embeddings[0].Values
		normalize(values)
		return values, nil
	}
}

// NewOpenAI creates an embedding function for any OpenAI-compatible
// embeddings endpoint, including LM Studio.
func NewOpenAI(baseURL, apiKey, model string) chromem.EmbeddingFunc {
	var opts []option.RequestOption
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey == "" {
		// Local servers ignore the key but the client requires one.
		apiKey = "local"
	}
	opts = append(opts, option.WithAPIKey(apiKey))
	client := openai.NewClient(opts...)

	return func(ctx context.Context, text string) ([]float32, error) {
		text = strings.TrimPrefix(text, QueryPrefix)

		res, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
			Model: openai.EmbeddingModel(model),
		})
		if err != nil {
			return nil, fmt.Errorf("openai embedding failed: %w", err)
		}
		if len(res.Data) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}

		values := make([]float32, len(res.Data[0].Embedding))
		for i, v := range res.Data[0].Embedding {
			values[i] = float32(v)
		}
		normalize(values)
		return values, nil
	}
}

// NewHash returns an offline embedding function that hashes word tokens
// into dim buckets. Texts sharing words land near each other, which is
// enough for local use and tests without an API key.
func NewHash(dim int) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		values := make([]float32, dim)
		for _, token := range Tokenize(strings.TrimPrefix(text, QueryPrefix)) {
			sum := blake3.Sum256([]byte(token))
			bucket := binary.LittleEndian.Uint64(sum[:8]) % uint64(dim)
			if sum[8]&1 == 0 {
				values[bucket]++
			} else {
				values[bucket]--
			}
		}
		if isZero(values) {
			// chromem cannot normalize a zero vector.
			values[0] = 1
		}
		normalize(values)
		return values, nil
	}
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isZero(v []float32) bool {
	for _, val := range v {
		if val != 0 {
			return false
		}
	}
	return true
}

// normalize performs L2 normalization on a vector of float32 values.
func normalize(v []float32) {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}
	magnitude := float32(math.Sqrt(sum))
	if magnitude <= 0 {
		return
	}
	for i := range v {
		v[i] /= magnitude
	}
}
