package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/dryonlabs/engage-bot/internal/models"
)

type gptResult struct {
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	Sentiment      float64 `json:"sentiment"`
	PurchaseIntent float64 `json:"purchase_intent"`
}

// GPTClassifier calls OpenAI with a hard timeout and degrades to the keyword
// classifier on any failure. Classify never returns an error: the dispatch
// pipeline must always get a usable classification.
type GPTClassifier struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	fallback    *KeywordClassifier
	logger      *zap.Logger
}

func NewGPTClassifier(apiKey string, model string, maxTokens int, temperature float64, timeout time.Duration, logger *zap.Logger) *GPTClassifier {
	return &GPTClassifier{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
		fallback:    NewKeywordClassifier(),
		logger:      logger,
	}
}

var validLabels = map[string]models.Label{
	"question":    models.LabelQuestion,
	"praise":      models.LabelPraise,
	"price":       models.LabelPrice,
	"interest":    models.LabelInterest,
	"complaint":   models.LabelComplaint,
	"spam":        models.LabelSpam,
	"support":     models.LabelSupport,
	"partnership": models.LabelPartnership,
}

func (c *GPTClassifier) Classify(ctx context.Context, text string) models.Classification {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := fmt.Sprintf(`Classify the following social media message from a customer.

Pick exactly one label from: question, praise, price, interest, complaint, spam, support, partnership.

Return a JSON object with this structure:
{
    "label": "one_of_the_labels",
    "confidence": 0.0,
    "sentiment": 0.0,
    "purchase_intent": 0.0
}

confidence is in [0,1], sentiment is in [-1,1], purchase_intent is in [0,1].

Message: %s`, text)

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   c.maxTokens,
			Temperature: float32(c.temperature),
		},
	)

	if err != nil {
		c.logger.Warn("Classification call failed, using keyword fallback", zap.Error(err))
		return c.fallback.Classify(ctx, text)
	}

	if len(resp.Choices) == 0 {
		c.logger.Warn("Classification returned no choices, using keyword fallback")
		return c.fallback.Classify(ctx, text)
	}

	var result gptResult
	response := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		c.logger.Warn("Failed to parse classification response, using keyword fallback",
			zap.Error(err),
			zap.String("response", response))
		return c.fallback.Classify(ctx, text)
	}

	label, ok := validLabels[strings.ToLower(result.Label)]
	if !ok {
		c.logger.Warn("Classification returned unknown label, using keyword fallback",
			zap.String("label", result.Label))
		return c.fallback.Classify(ctx, text)
	}

	return models.Classification{
		Label:          label,
		Confidence:     clamp(result.Confidence, 0, 1),
		Sentiment:      clamp(result.Sentiment, -1, 1),
		PurchaseIntent: clamp(result.PurchaseIntent, 0, 1),
		ClassifiedAt:   time.Now(),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
