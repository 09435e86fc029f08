// Package encoder produces dense embeddings for utterances and queries
// using Azure OpenAI. Three auth strategies are supported, checked in
// order: managed identity, static Entra ID token, API key.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"github.com/semroute/semroute/pkg/resilience"
)

// embedBatchSize is the max inputs per embedding request.
const embedBatchSize = 100

// Encoder produces a fixed-dimension dense vector per text input.
type Encoder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Options configure the Azure OpenAI encoder. Empty fields fall back to
// the environment.
type Options struct {
	Endpoint           string
	APIVersion         string
	Deployment         string
	UseManagedIdentity bool
	ADToken            string
	APIKey             string

	// RequestsPerSecond and Burst bound the call rate against the
	// embedding deployment's quota.
	RequestsPerSecond float64
	Burst             int
}

func (o Options) withDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")
	}
	if o.APIVersion == "" {
		o.APIVersion = envOr("AZURE_OPENAI_API_VERSION", "2024-02-01")
	}
	if o.Deployment == "" {
		o.Deployment = envOr("AZURE_EMBEDDING_DEPLOYMENT", "text-embedding-ada-002")
	}
	if !o.UseManagedIdentity {
		o.UseManagedIdentity = strings.EqualFold(os.Getenv("AZURE_USE_MANAGED_IDENTITY"), "true")
	}
	if o.ADToken == "" {
		o.ADToken = os.Getenv("AZURE_AD_TOKEN")
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv("AZURE_OPENAI_API_KEY")
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 5
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	return o
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// AzureOpenAI is an Encoder backed by an Azure OpenAI embedding
// deployment. Calls are rate limited and routed through a circuit
// breaker.
type AzureOpenAI struct {
	client     openai.Client
	deployment string
	limiter    *rate.Limiter
	breaker    *resilience.Breaker
	logger     *slog.Logger
}

var _ Encoder = (*AzureOpenAI)(nil)

// New creates an AzureOpenAI encoder, resolving unset options from the
// environment.
func New(opts Options, logger *slog.Logger) (*AzureOpenAI, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Endpoint == "" {
		return nil, errors.New("encoder: AZURE_OPENAI_ENDPOINT is required")
	}

	var auth option.RequestOption
	switch {
	case opts.UseManagedIdentity:
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("encoder: managed identity credential: %w", err)
		}
		auth = azure.WithTokenCredential(cred)
		logger.Info("encoder auth: managed identity")
	case opts.ADToken != "":
		auth = azure.WithTokenCredential(staticToken{token: opts.ADToken})
		logger.Info("encoder auth: static Entra ID token")
	case opts.APIKey != "":
		auth = azure.WithAPIKey(opts.APIKey)
		logger.Info("encoder auth: API key")
	default:
		return nil, errors.New(
			"encoder: no auth configured; set AZURE_USE_MANAGED_IDENTITY=true, AZURE_AD_TOKEN, or AZURE_OPENAI_API_KEY")
	}

	client := openai.NewClient(azure.WithEndpoint(opts.Endpoint, opts.APIVersion), auth)
	return newEncoder(client, opts, logger), nil
}

// NewWithClient wires an explicit client. Used by tests to point the
// encoder at a fake backend.
func NewWithClient(client openai.Client, deployment string, logger *slog.Logger) *AzureOpenAI {
	opts := Options{Deployment: deployment}.withDefaults()
	return newEncoder(client, opts, logger)
}

func newEncoder(client openai.Client, opts Options, logger *slog.Logger) *AzureOpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	return &AzureOpenAI{
		client:     client,
		deployment: opts.Deployment,
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		breaker:    resilience.NewBreaker(resilience.DefaultBreakerOpts),
		logger:     logger,
	}
}

// Embed returns one vector per input text, in input order, batching in
// groups of embedBatchSize.
func (e *AzureOpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))

		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("encoder: rate limit wait: %w", err)
		}
		var resp *openai.CreateEmbeddingResponse
		err := e.breaker.Call(ctx, func(ctx context.Context) error {
			var callErr error
			resp, callErr = e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
				Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts[start:end]},
				Model: openai.EmbeddingModel(e.deployment),
			})
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("encoder: embed batch [%d:%d]: %w", start, end, err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("encoder: got %d embeddings for %d inputs", len(resp.Data), end-start)
		}

		vectors := make([][]float32, end-start)
		for _, d := range resp.Data {
			vec := make([]float32, len(d.Embedding))
			for i, v := range d.Embedding {
				vec[i] = float32(v)
			}
			// Data may arrive out of input order; Index restores it.
			vectors[d.Index] = vec
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// staticToken adapts a pre-acquired Entra ID token to the azcore
// credential interface.
type staticToken struct {
	token string
}

func (s staticToken) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: s.token, ExpiresOn: time.Now().Add(time.Hour)}, nil
}
