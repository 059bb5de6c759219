package classifier

import (
	"context"
	"strings"
	"time"

	"github.com/dryonlabs/engage-bot/internal/models"
)

type Classifier interface {
	Classify(ctx context.Context, text string) models.Classification
}

// KeywordClassifier is the deterministic fallback: plain keyword tables per
// label, no external calls. It is also what the GPT adapter degrades to when
// the API times out or returns garbage, so an event is never left
// unclassified.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

var labelKeywords = []struct {
	label    models.Label
	keywords []string
}{
	{models.LabelSpam, []string{"follow me", "earn money", "click here", "giveaway", "ganhem dinheiro", "sigam"}},
	{models.LabelComplaint, []string{"terrible", "awful", "never arrived", "worst", "refund", "nao recebi", "pessimo"}},
	{models.LabelSupport, []string{"broke", "broken", "defect", "help with my order", "order #", "problema", "pedido"}},
	{models.LabelPrice, []string{"how much", "price", "cost", "discount", "quanto custa", "preco", "valor", "tabela"}},
	{models.LabelInterest, []string{"want to buy", "how do i order", "resell", "quero comprar", "como faco pedido", "revender"}},
	{models.LabelPartnership, []string{"partnership", "collab", "followers", "parceria", "seguidores"}},
	{models.LabelPraise, []string{"love", "amazing", "great", "congrats", "amei", "maravilhoso", "parabens", "top"}},
	{models.LabelQuestion, []string{"?", "does it", "do you", "serve pra", "entrega"}},
}

var negativeWords = []string{"terrible", "awful", "worst", "broke", "broken", "pessimo", "nao recebi", "quebrou", "defeito"}
var positiveWords = []string{"love", "amazing", "great", "congrats", "best", "amei", "maravilhoso", "parabens", "melhor"}
var intentWords = []string{"buy", "order", "price", "how much", "discount", "resell", "comprar", "pedido", "preco", "quanto custa", "revender"}

func (c *KeywordClassifier) Classify(_ context.Context, text string) models.Classification {
	lower := strings.ToLower(text)

	label := models.LabelUnclassified
	confidence := 0.1
	for _, entry := range labelKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				label = entry.label
				confidence = 0.5
				break
			}
		}
		if label != models.LabelUnclassified {
			break
		}
	}

	return models.Classification{
		Label:          label,
		Confidence:     confidence,
		Sentiment:      scoreByWords(lower, positiveWords) - scoreByWords(lower, negativeWords),
		PurchaseIntent: scoreByWords(lower, intentWords),
		ClassifiedAt:   time.Now(),
	}
}

// scoreByWords maps keyword hits to a bounded [0,1] score.
func scoreByWords(text string, words []string) float64 {
	hits := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			hits++
		}
	}
	score := float64(hits) * 0.4
	if score > 1 {
		score = 1
	}
	return score
}
