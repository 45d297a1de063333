package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"infonomy/internal/config"
	"infonomy/internal/logger"

	"github.com/go-resty/resty/v2"
)

// DefaultProvider is the credential name looked up in a user's api_keys.
const DefaultProvider = "openai"

const decisionInstructions = `You are deciding on behalf of a buyer in an information market.
You are shown a question, the remaining budget, and a batch of offers whose
full text you may read for free. You have three options:
1. Buy offers whose information is worth its price.
2. Ask one follow-up question to clarify whether an offer is worth buying.
3. Stop and buy nothing.
Reply with only a JSON object, no prose, in this exact shape:
{"buy_offer_ids": [<offer ids to buy>], "followup": {"query": "<question>", "max_budget": <number>} }
Omit "followup" (or set it to null) unless you need more information.
Never combine purchases with a follow-up. Never exceed the budget.`

const offerInstructions = `You are an information seller in a marketplace.
Given a buyer's question, produce one offer. Reply with only a JSON object:
{"private_info": "<the information you are selling>", "public_info": "<a one-line teaser that does not give the answer away>", "price": <number>}
The price must be positive and should reflect how useful the information is.`

// Bridge talks to an OpenAI-compatible chat-completions endpoint.
type Bridge struct {
	http        *resty.Client
	provider    string
	serverKey   string
	maxRetries  int
	maxTokens   int
	temperature float64
}

// New builds a Bridge from config. The server-level credential is read
// once from the configured environment variable and used only when a call
// carries no user credential.
func New(cfg *config.Config) *Bridge {
	client := resty.New().
		SetBaseURL(cfg.LLMBaseURL).
		SetTimeout(90 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Bridge{
		http:        client,
		provider:    DefaultProvider,
		serverKey:   os.Getenv(cfg.LLMAPIKeyEnv),
		maxRetries:  cfg.AgentMaxRetries,
		maxTokens:   cfg.LLMDefaultMaxTokens,
		temperature: cfg.LLMDefaultTemperature,
	}
}

// KeyFor picks the credential for one call: the user's stored key for the
// provider when present, else the server-level fallback.
func (b *Bridge) KeyFor(userKeys map[string]string) string {
	if k := userKeys[b.provider]; k != "" {
		return k
	}
	return b.serverKey
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (b *Bridge) complete(ctx context.Context, apiKey, model string, maxTokens int, temperature float64, messages []chatMessage) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("no API credential for provider %s", b.provider)
	}
	if model == "" {
		return "", fmt.Errorf("no model configured")
	}
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}

	var out chatResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetBody(chatRequest{
			Model:       model,
			Messages:    messages,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		}).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("chat completion: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	return out.Choices[0].Message.Content, nil
}

// extractJSON tolerates models that wrap the object in code fences or
// prose: everything between the first '{' and the last '}' is taken.
func extractJSON(s string) ([]byte, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	return []byte(s[start : end+1]), nil
}

type decisionPayload struct {
	Query        string         `json:"query"`
	ContextPages []string       `json:"context_pages,omitempty"`
	Budget       float64        `json:"remaining_budget"`
	Offers       []OfferSummary `json:"offers"`
	KnownOffers  []OfferSummary `json:"previously_seen_offers,omitempty"`
}

// Decide renders the decision prompt, calls the model, and re-prompts on
// invalid replies up to the configured retry budget.
func (b *Bridge) Decide(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	payload, err := json.MarshalIndent(decisionPayload{
		Query:        req.Query,
		ContextPages: req.ContextPages,
		Budget:       req.Budget,
		Offers:       req.Offers,
		KnownOffers:  req.KnownOffers,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: render prompt: %v", ErrAgent, err)
	}

	system := decisionInstructions
	if req.SystemPrompt != "" {
		system = req.SystemPrompt + "\n\n" + decisionInstructions
	}
	messages := []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: string(payload)},
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = b.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = b.maxTokens
	}

	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := b.complete(ctx, req.APIKey, req.Model, maxTokens, temperature, messages)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAgent, err)
		}

		var verr error
		if blob, jerr := extractJSON(raw); jerr != nil {
			verr = jerr
		} else {
			var resp DecisionResponse
			if uerr := json.Unmarshal(blob, &resp); uerr != nil {
				verr = fmt.Errorf("malformed JSON: %v", uerr)
			} else if verr = req.Validate(&resp); verr == nil {
				return &resp, nil
			}
		}

		logger.Warn("AGENT", fmt.Sprintf("Decision reply rejected (attempt %d): %v", attempt+1, verr))
		messages = append(messages,
			chatMessage{Role: "assistant", Content: raw},
			chatMessage{Role: "user", Content: fmt.Sprintf("Your reply was rejected: %v. Respond again with only the JSON object.", verr)},
		)
	}
	return nil, fmt.Errorf("%w: no valid decision after %d attempts", ErrAgent, b.maxRetries+1)
}

type offerPayload struct {
	Query        string   `json:"query"`
	ContextPages []string `json:"context_pages,omitempty"`
	MaxBudget    float64  `json:"buyer_max_budget"`
}

// GenerateOffer drafts an offer with a bot seller's model and prompt.
func (b *Bridge) GenerateOffer(ctx context.Context, req *OfferRequest) (*OfferDraft, error) {
	payload, err := json.MarshalIndent(offerPayload{
		Query:        req.Query,
		ContextPages: req.ContextPages,
		MaxBudget:    req.MaxBudget,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: render prompt: %v", ErrAgent, err)
	}

	system := offerInstructions
	if req.Prompt != "" {
		system = req.Prompt + "\n\n" + offerInstructions
	}
	messages := []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: string(payload)},
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = b.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = b.maxTokens
	}

	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := b.complete(ctx, req.APIKey, req.Model, maxTokens, temperature, messages)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAgent, err)
		}

		var verr error
		if blob, jerr := extractJSON(raw); jerr != nil {
			verr = jerr
		} else {
			var draft OfferDraft
			if uerr := json.Unmarshal(blob, &draft); uerr != nil {
				verr = fmt.Errorf("malformed JSON: %v", uerr)
			} else if verr = req.Validate(&draft); verr == nil {
				return &draft, nil
			}
		}

		logger.Warn("AGENT", fmt.Sprintf("Offer draft rejected for bot %s (attempt %d): %v", req.BotName, attempt+1, verr))
		messages = append(messages,
			chatMessage{Role: "assistant", Content: raw},
			chatMessage{Role: "user", Content: fmt.Sprintf("Your reply was rejected: %v. Respond again with only the JSON object.", verr)},
		)
	}
	return nil, fmt.Errorf("%w: no valid offer after %d attempts", ErrAgent, b.maxRetries+1)
}
