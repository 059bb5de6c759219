package classifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dryonlabs/engage-bot/internal/models"
)

func TestKeywordClassifierLabels(t *testing.T) {
	c := NewKeywordClassifier()
	ctx := context.Background()

	cases := []struct {
		text  string
		label models.Label
	}{
		{"quanto custa o kit completo?", models.LabelPrice},
		{"quero comprar pra revender", models.LabelInterest},
		{"amei o produto, parabens!", models.LabelPraise},
		{"meu pedido chegou com defeito, problema serio", models.LabelSupport},
		{"nao recebi nada, pessimo atendimento", models.LabelComplaint},
		{"follow me and earn money", models.LabelSpam},
		{"vamos fechar uma parceria?", models.LabelPartnership},
		{"serve pra pele oleosa?", models.LabelQuestion},
	}
	for _, tc := range cases {
		got := c.Classify(ctx, tc.text)
		assert.Equal(t, tc.label, got.Label, "text %q", tc.text)
		assert.Equal(t, 0.5, got.Confidence)
	}
}

func TestKeywordClassifierUnclassified(t *testing.T) {
	c := NewKeywordClassifier()

	got := c.Classify(context.Background(), "bom dia")
	assert.Equal(t, models.LabelUnclassified, got.Label)
	assert.Equal(t, 0.1, got.Confidence)
	assert.False(t, got.ClassifiedAt.IsZero())
}

func TestKeywordClassifierDeterministic(t *testing.T) {
	c := NewKeywordClassifier()
	ctx := context.Background()

	first := c.Classify(ctx, "quanto custa? quero comprar")
	for i := 0; i < 20; i++ {
		again := c.Classify(ctx, "quanto custa? quero comprar")
		require.Equal(t, first.Label, again.Label)
		require.Equal(t, first.Confidence, again.Confidence)
		require.Equal(t, first.Sentiment, again.Sentiment)
		require.Equal(t, first.PurchaseIntent, again.PurchaseIntent)
	}
}

func TestKeywordClassifierScores(t *testing.T) {
	c := NewKeywordClassifier()

	negative := c.Classify(context.Background(), "pessimo, chegou com defeito e quebrou")
	assert.Negative(t, negative.Sentiment)

	positive := c.Classify(context.Background(), "amei, melhor coisa que ja resolvi comprar")
	assert.Positive(t, positive.Sentiment)
	assert.Greater(t, positive.PurchaseIntent, 0.0)

	intent := c.Classify(context.Background(), "quanto custa? quero comprar pra revender")
	assert.Equal(t, 1.0, intent.PurchaseIntent)
}

func newStubGPT(t *testing.T, handler http.HandlerFunc) *GPTClassifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return &GPTClassifier{
		client:      openai.NewClientWithConfig(cfg),
		model:       openai.GPT3Dot5Turbo,
		maxTokens:   100,
		temperature: 0,
		timeout:     2 * time.Second,
		fallback:    NewKeywordClassifier(),
		logger:      zap.NewNop(),
	}
}

func completionBody(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` + content + `}}]}`
}

func TestGPTClassifierParsesResponse(t *testing.T) {
	c := newStubGPT(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody(`"{\"label\":\"interest\",\"confidence\":0.9,\"sentiment\":0.4,\"purchase_intent\":1.5}"`)))
	})

	got := c.Classify(context.Background(), "quero comprar")
	assert.Equal(t, models.LabelInterest, got.Label)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, 0.4, got.Sentiment)
	assert.Equal(t, 1.0, got.PurchaseIntent, "out-of-range scores are clamped")
}

func TestGPTClassifierFallsBackOnUnknownLabel(t *testing.T) {
	c := newStubGPT(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody(`"{\"label\":\"mystery\",\"confidence\":0.9}"`)))
	})

	got := c.Classify(context.Background(), "quanto custa o kit?")
	assert.Equal(t, models.LabelPrice, got.Label)
	assert.Equal(t, 0.5, got.Confidence)
}

func TestGPTClassifierFallsBackOnEmptyChoices(t *testing.T) {
	c := newStubGPT(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	got := c.Classify(context.Background(), "quanto custa o kit?")
	assert.Equal(t, models.LabelPrice, got.Label)
	assert.Equal(t, 0.5, got.Confidence)
}

func TestGPTClassifierFallsBackOnAPIError(t *testing.T) {
	c := newStubGPT(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	})

	got := c.Classify(context.Background(), "amei o produto")
	assert.Equal(t, models.LabelPraise, got.Label)
}
