package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/manualrag/internal/config"
)

func TestNewProvider(t *testing.T) {
	t.Run("hashing", func(t *testing.T) {
		p, err := NewProvider(ProviderConfig{Provider: "hashing", Dimension: 32})
		require.NoError(t, err)
		assert.Equal(t, 32, p.Dimension())
		require.NoError(t, p.Close())
	})

	t.Run("hashing without dimension", func(t *testing.T) {
		_, err := NewProvider(ProviderConfig{Provider: "hashing"})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("tei detects dimension", func(t *testing.T) {
		p, err := NewProvider(ProviderConfig{Provider: "tei", BaseURL: "http://localhost:8080", Model: "BAAI/bge-base-en-v1.5"})
		require.NoError(t, err)
		assert.Equal(t, 768, p.Dimension())
	})

	t.Run("tei without url", func(t *testing.T) {
		_, err := NewProvider(ProviderConfig{Provider: "tei"})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("openai", func(t *testing.T) {
		p, err := NewProvider(ProviderConfig{Provider: "openai", BaseURL: "http://localhost:8080/v1", Model: "text-embedding-3-small"})
		require.NoError(t, err)
		assert.Equal(t, 1536, p.Dimension())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := NewProvider(ProviderConfig{Provider: "word2vec"})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestProviderConfigFromSettings(t *testing.T) {
	cfg := ProviderConfigFromSettings(config.EmbeddingsConfig{
		Provider:  "tei",
		Model:     "m",
		BaseURL:   "http://tei",
		APIKey:    config.Secret("k"),
		Dimension: 12,
	})
	assert.Equal(t, ProviderConfig{Provider: "tei", Model: "m", BaseURL: "http://tei", APIKey: "k", Dimension: 12}, cfg)
}

func TestDetectDimensionFromModel(t *testing.T) {
	assert.Equal(t, 384, detectDimensionFromModel("BAAI/bge-small-en-v1.5"))
	assert.Equal(t, 1024, detectDimensionFromModel("some-large-model"))
	assert.Equal(t, 768, detectDimensionFromModel("custom-base"))
	assert.Equal(t, 384, detectDimensionFromModel("unknown"))
}

func TestHashingProvider(t *testing.T) {
	h, err := NewHashingProvider(64)
	require.NoError(t, err)
	ctx := context.Background()

	vs, err := h.EmbedDocuments(ctx, []string{"Hydraulic pressure too low", "hydraulic PRESSURE too low!", "Replace the air filter"})
	require.NoError(t, err)
	require.Len(t, vs, 3)

	for _, v := range vs {
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	}
	assert.Equal(t, vs[0], vs[1], "case and punctuation are ignored")
	assert.Greater(t, dot(vs[0], vs[1]), dot(vs[0], vs[2]))

	q, err := h.EmbedQuery(ctx, "hydraulic pressure too low")
	require.NoError(t, err)
	assert.Equal(t, vs[0], q)

	_, err = h.EmbedQuery(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = h.EmbedDocuments(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	punct, err := h.EmbedQuery(ctx, "...")
	require.NoError(t, err)
	assert.Equal(t, float32(1), punct[0])
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestService_TEI(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Inputs   interface{} `json:"inputs"`
			Truncate bool        `json:"truncate"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		n := 1
		if list, ok := req.Inputs.([]interface{}); ok {
			n = len(list)
		}
		out := make([][]float32, n)
		for i := range out {
			out[i] = []float32{float32(i), 1}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	svc, err := NewService(Config{BaseURL: srv.URL, APIKey: "tok"})
	require.NoError(t, err)

	vs, err := svc.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vs, 3)
	assert.Equal(t, []float32{2, 1}, vs[2])
	assert.Equal(t, "Bearer tok", gotAuth)

	v, err := svc.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, v)
}

func TestService_StatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{"rate limited", http.StatusTooManyRequests, "2", func(t *testing.T, err error) {
			var te *TransientError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, 2*time.Second, te.RetryAfter)
		}},
		{"server error", http.StatusBadGateway, "", func(t *testing.T, err error) {
			assert.True(t, IsTransient(err))
		}},
		{"unauthorized", http.StatusUnauthorized, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.False(t, IsTransient(err))
		}},
		{"bad request", http.StatusBadRequest, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrEmbeddingFailed)
			assert.False(t, IsTransient(err))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			svc, err := NewService(Config{BaseURL: srv.URL})
			require.NoError(t, err)
			_, err = svc.EmbedDocuments(context.Background(), []string{"a"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestService_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[[1,2]]`))
	}))
	defer srv.Close()

	svc, err := NewService(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = svc.EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryAfter(""))
	assert.Equal(t, 3*time.Second, retryAfter("3"))
	assert.Equal(t, time.Duration(0), retryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
