package storage

import (
	"context"

	"github.com/dryonlabs/engage-bot/internal/models"
)

// SeedDemoData loads the default rule set, flows and accounts into an
// in-memory store. Production deployments manage these out-of-band; demo
// mode needs something to dispatch against.
func SeedDemoData(ctx context.Context, s *MemoryStorage) error {
	for _, rule := range DemoRules() {
		s.AddRule(rule)
	}
	for _, flow := range DemoFlows() {
		s.AddFlow(flow)
	}
	for _, account := range DemoAccounts() {
		if err := s.SaveAccount(ctx, account); err != nil {
			return err
		}
	}
	return nil
}

func DemoRules() []*models.Rule {
	return []*models.Rule{
		{
			ID:               "r-4",
			Name:             "Spam → Ocultar",
			Priority:         1,
			Active:           true,
			Trigger:          models.Trigger{Type: models.TriggerClassification, Value: string(models.LabelSpam)},
			ActionType:       models.ActionIgnore,
			DelaySeconds:     5,
			MaxRepliesPerDay: 500,
		},
		{
			ID:               "r-3",
			Name:             "Reclamação → Escalar",
			Priority:         5,
			Active:           true,
			Trigger:          models.Trigger{Type: models.TriggerSentiment, Value: "-0.5"},
			ActionType:       models.ActionEscalate,
			ReplyTemplates:   []string{"@{{username}} pedimos desculpas! Nossa equipe está verificando."},
			CRMTags:          []string{"suporte_urgente"},
			DelaySeconds:     15,
			MaxRepliesPerDay: 50,
		},
		{
			ID:                "r-1",
			Name:              "Interesse de Compra → DM",
			Priority:          10,
			Active:            true,
			Trigger:           models.Trigger{Type: models.TriggerClassification, Value: string(models.LabelInterest)},
			ActionType:        models.ActionReplyBoth,
			ReplyTemplates:    []string{"Olá @{{username}}! Vi que você se interessou! Te mandei detalhes por DM"},
			CRMTags:           []string{"lead_quente", "instagram"},
			AIPersonalization: true,
			DelaySeconds:      45,
			MaxRepliesPerDay:  100,
		},
		{
			ID:                "r-2",
			Name:              "Elogio → Agradecimento",
			Priority:          20,
			Active:            true,
			Trigger:           models.Trigger{Type: models.TriggerClassification, Value: string(models.LabelPraise)},
			ActionType:        models.ActionReplyPublic,
			ReplyTemplates:    []string{"Muito obrigado pelo carinho @{{username}}!"},
			CRMTags:           []string{"cliente_satisfeito"},
			AIPersonalization: true,
			DelaySeconds:      60,
			MaxRepliesPerDay:  200,
		},
		{
			ID:                "r-5",
			Name:              "Dúvida → Resposta IA",
			Priority:          30,
			Active:            true,
			Trigger:           models.Trigger{Type: models.TriggerClassification, Value: string(models.LabelQuestion)},
			ActionType:        models.ActionReplyPublic,
			ReplyTemplates:    []string{"Oi @{{username}}! Boa pergunta!"},
			CRMTags:           []string{"duvida_produto"},
			AIPersonalization: true,
			DelaySeconds:      30,
			MaxRepliesPerDay:  150,
		},
	}
}

func DemoFlows() []*models.Flow {
	return []*models.Flow{
		{
			ID:      "f-1",
			Name:    "Boas-vindas DM",
			Trigger: models.FlowTriggerNewDM,
			Status:  models.FlowActive,
			Steps: []models.FlowStep{
				{Message: "Olá! Bem-vindo! Como posso ajudar você hoje?", ExpectedPattern: "", TimeoutSeconds: 3600, MaxAttempts: 2},
				{Message: "Perfeito! Você procura algo para uso próprio ou revenda?", ExpectedPattern: "própri|proprio|revend|uso", TimeoutSeconds: 3600, MaxAttempts: 2},
				{Message: "Ótimo! Me diz seu e-mail que envio o catálogo completo.", ExpectedPattern: `\S+@\S+`, TimeoutSeconds: 3600, MaxAttempts: 3},
				{Message: "Obrigado! Em breve nossa equipe entra em contato. 🎉", ExpectedPattern: "", TimeoutSeconds: 0, MaxAttempts: 1},
			},
		},
		{
			ID:              "f-2",
			Name:            "Consulta de Preço",
			Trigger:         models.FlowTriggerKeyword,
			TriggerKeywords: []string{"preço", "quanto custa", "valor", "tabela"},
			Status:          models.FlowActive,
			Steps: []models.FlowStep{
				{Message: "Oi! Qual produto você quer saber o preço?", ExpectedPattern: "", TimeoutSeconds: 3600, MaxAttempts: 2},
				{Message: "E quantas unidades você precisa?", ExpectedPattern: `\d+`, TimeoutSeconds: 3600, MaxAttempts: 2},
				{Message: "Anotado! Te envio a cotação em instantes.", ExpectedPattern: "", TimeoutSeconds: 0, MaxAttempts: 1},
			},
		},
		{
			ID:              "f-3",
			Name:            "Suporte Pós-Venda",
			Trigger:         models.FlowTriggerKeyword,
			TriggerKeywords: []string{"problema", "defeito", "reclamação", "pedido"},
			Status:          models.FlowActive,
			Steps: []models.FlowStep{
				{Message: "Sinto muito pelo transtorno! Qual o número do seu pedido?", ExpectedPattern: `\d+`, TimeoutSeconds: 1800, MaxAttempts: 2},
				{Message: "Obrigado! Pode me descrever o que aconteceu?", ExpectedPattern: "", TimeoutSeconds: 1800, MaxAttempts: 1},
				{Message: "Registrei tudo. Nossa equipe de suporte vai te responder ainda hoje.", ExpectedPattern: "", TimeoutSeconds: 0, MaxAttempts: 1},
			},
		},
	}
}

func DemoAccounts() []*models.Account {
	return []*models.Account{
		{
			ID:                "acc-1",
			Username:          "dryon_farma",
			AutoReplyComments: true,
			AutoReplyDMs:      true,
			AIClassification:  true,
		},
		{
			ID:                "acc-2",
			Username:          "axl_farma_oficial",
			AutoReplyComments: true,
			AutoReplyDMs:      false,
			AIClassification:  true,
		},
	}
}
