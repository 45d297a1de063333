// Package agent bridges the market to an LLM provider: it renders
// decision and offer-generation prompts, parses the model's JSON replies,
// and re-prompts on schema violations. Credentials are scoped to a single
// call; nothing is written to process-wide state.
package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrAgent wraps every bridge failure: transport, empty completions,
// and replies still invalid after the re-prompt budget. Callers treat it
// as "no decision": the engine no-ops, the bot dispatcher emits nothing.
var ErrAgent = errors.New("agent failure")

// OfferSummary is what the deciding model sees of one offer. PrivateInfo
// is filled only for offers the buyer is entitled to read: the fresh batch
// under inspection and anything already purchased.
type OfferSummary struct {
	ID          int64   `json:"id"`
	Price       float64 `json:"price"`
	PublicInfo  string  `json:"public_info,omitempty"`
	PrivateInfo string  `json:"private_info,omitempty"`
	Purchased   bool    `json:"purchased"`
}

// DecisionRequest asks the buyer's model what to do with a batch of
// offers: buy some, ask a follow-up question, or stop.
type DecisionRequest struct {
	Query        string
	ContextPages []string
	Budget       float64
	Offers       []OfferSummary // fresh batch, private text visible
	KnownOffers  []OfferSummary // seen earlier in the chain
	Depth        int
	Breadth      int

	Model        string
	SystemPrompt string
	APIKey       string
	MaxTokens    int
	Temperature  float64
}

// Followup is the agent's request for more information before deciding.
type Followup struct {
	Query     string  `json:"query"`
	MaxBudget float64 `json:"max_budget"`
}

// DecisionResponse is the model's parsed reply. Both fields empty means
// "stop here, buy nothing". Purchases and a follow-up are mutually
// exclusive.
type DecisionResponse struct {
	BuyOfferIDs []int64   `json:"buy_offer_ids"`
	Followup    *Followup `json:"followup,omitempty"`
}

// Validate checks a reply against the request it answers. The error text
// is fed back to the model verbatim on re-prompt, so it stays imperative.
func (r *DecisionRequest) Validate(resp *DecisionResponse) error {
	if resp == nil {
		return errors.New("reply with the JSON object described in the instructions")
	}
	if len(resp.BuyOfferIDs) > 0 && resp.Followup != nil {
		return errors.New("choose either buy_offer_ids or followup, never both")
	}

	prices := make(map[int64]float64, len(r.Offers))
	for _, o := range r.Offers {
		prices[o.ID] = o.Price
	}
	seen := make(map[int64]bool, len(resp.BuyOfferIDs))
	var cost float64
	for _, id := range resp.BuyOfferIDs {
		price, ok := prices[id]
		if !ok {
			return fmt.Errorf("offer %d is not in the batch you were shown", id)
		}
		if seen[id] {
			return fmt.Errorf("offer %d appears twice in buy_offer_ids", id)
		}
		seen[id] = true
		cost += price
	}
	if cost > r.Budget {
		return fmt.Errorf("the selected offers cost %.2f but only %.2f remains", cost, r.Budget)
	}

	if f := resp.Followup; f != nil {
		if f.Query == "" {
			return errors.New("followup.query must not be empty")
		}
		if f.MaxBudget <= 0 {
			return errors.New("followup.max_budget must be positive")
		}
		if f.MaxBudget > r.Budget {
			return fmt.Errorf("followup.max_budget %.2f exceeds the remaining %.2f", f.MaxBudget, r.Budget)
		}
	}
	return nil
}

// OfferRequest asks a bot seller's model to draft an offer for a context.
type OfferRequest struct {
	BotName      string
	Query        string
	ContextPages []string
	MaxBudget    float64

	Model       string
	Prompt      string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

// OfferDraft is the generated offer before the dispatcher clamps its
// price to the context budget.
type OfferDraft struct {
	PrivateInfo string  `json:"private_info"`
	PublicInfo  string  `json:"public_info"`
	Price       float64 `json:"price"`
}

// Validate checks a generated draft.
func (r *OfferRequest) Validate(draft *OfferDraft) error {
	if draft == nil {
		return errors.New("reply with the JSON object described in the instructions")
	}
	if draft.PrivateInfo == "" {
		return errors.New("private_info must not be empty")
	}
	if draft.Price <= 0 {
		return errors.New("price must be positive")
	}
	return nil
}

// Agent is what the engine and the bot dispatcher program against; tests
// substitute scripted implementations.
type Agent interface {
	Decide(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error)
	GenerateOffer(ctx context.Context, req *OfferRequest) (*OfferDraft, error)
}

// KeyFunc resolves the provider credential for one call from a user's
// stored API keys. Bridge.KeyFor is the production implementation.
type KeyFunc func(userKeys map[string]string) string
