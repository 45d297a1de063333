package api

import (
	"net/http"

	"infonomy/internal/db"
)

// buyerProfileView is the profile plus its derived per-priority rates,
// the numbers subscription filters match against.
type buyerProfileView struct {
	*db.BuyerProfile
	InspectionRates map[int]float64 `json:"inspection_rates"`
	PurchaseRates   map[int]float64 `json:"purchase_rates"`
}

func newBuyerProfileView(p *db.BuyerProfile) buyerProfileView {
	insp := make(map[int]float64, len(p.Queries))
	pur := make(map[int]float64, len(p.Queries))
	for priority := range p.Queries {
		insp[priority] = p.InspectionRate(priority)
		pur[priority] = p.PurchaseRate(priority)
	}
	return buyerProfileView{p, insp, pur}
}

func (s *Server) handleCreateBuyerProfile(w http.ResponseWriter, r *http.Request, user *db.User) {
	var req struct {
		AgentModel       string  `json:"agent_model"`
		AgentPrompt      string  `json:"agent_prompt"`
		DefaultMaxBudget float64 `json:"default_max_budget"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if req.AgentModel == "" {
		writeError(w, 400, "agent_model is required")
		return
	}
	if req.DefaultMaxBudget <= 0 {
		writeError(w, 400, "default_max_budget must be positive")
		return
	}
	err := s.store.CreateBuyerProfile(r.Context(), user.ID, req.AgentModel, req.AgentPrompt, req.DefaultMaxBudget)
	if db.IsConflict(err) {
		writeError(w, 409, "buyer profile already exists")
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	profile, err := s.store.GetBuyerProfile(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeStatusJSON(w, 201, newBuyerProfileView(profile))
}

func (s *Server) handleGetBuyerProfile(w http.ResponseWriter, r *http.Request, user *db.User) {
	profile, err := s.store.GetBuyerProfile(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, newBuyerProfileView(profile))
}

func (s *Server) handleUpdateBuyerProfile(w http.ResponseWriter, r *http.Request, user *db.User) {
	var req struct {
		AgentModel       *string  `json:"agent_model"`
		AgentPrompt      *string  `json:"agent_prompt"`
		DefaultMaxBudget *float64 `json:"default_max_budget"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	profile, err := s.store.GetBuyerProfile(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if req.AgentModel != nil {
		if *req.AgentModel == "" {
			writeError(w, 400, "agent_model cannot be empty")
			return
		}
		profile.AgentModel = *req.AgentModel
	}
	if req.AgentPrompt != nil {
		profile.AgentPrompt = *req.AgentPrompt
	}
	if req.DefaultMaxBudget != nil {
		if *req.DefaultMaxBudget <= 0 {
			writeError(w, 400, "default_max_budget must be positive")
			return
		}
		profile.DefaultMaxBudget = *req.DefaultMaxBudget
	}
	if err := s.store.UpdateBuyerProfile(r.Context(), user.ID, profile.AgentModel, profile.AgentPrompt, profile.DefaultMaxBudget); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, newBuyerProfileView(profile))
}

func (s *Server) handleCreateSellerProfile(w http.ResponseWriter, r *http.Request, user *db.User) {
	err := s.store.CreateHumanSeller(r.Context(), user.ID)
	if db.IsConflict(err) {
		writeError(w, 409, "seller profile already exists")
		return
	}
	if err != nil {
		fail(w, err)
		return
	}
	writeStatusJSON(w, 201, map[string]interface{}{"user_id": user.ID})
}

func (s *Server) handleGetSellerProfile(w http.ResponseWriter, r *http.Request, user *db.User) {
	has, err := s.store.HasHumanSeller(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if !has {
		writeError(w, 404, "not found")
		return
	}
	writeJSON(w, map[string]interface{}{"user_id": user.ID})
}

func (s *Server) handleCreateBotSeller(w http.ResponseWriter, r *http.Request, user *db.User) {
	var req struct {
		Name      string   `json:"name"`
		Info      *string  `json:"info"`
		Price     *float64 `json:"price"`
		LLMModel  *string  `json:"llm_model"`
		LLMPrompt *string  `json:"llm_prompt"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, 400, "name is required")
		return
	}
	if req.Price != nil && *req.Price < 0 {
		writeError(w, 400, "price cannot be negative")
		return
	}
	bot := &db.BotSeller{
		UserID:    user.ID,
		Name:      req.Name,
		Info:      req.Info,
		Price:     req.Price,
		LLMModel:  req.LLMModel,
		LLMPrompt: req.LLMPrompt,
	}
	if err := bot.Validate(); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	id, err := s.store.CreateBotSeller(r.Context(), bot)
	if err != nil {
		fail(w, err)
		return
	}
	created, err := s.store.GetBotSeller(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	writeStatusJSON(w, 201, created)
}

func (s *Server) handleListBotSellers(w http.ResponseWriter, r *http.Request, user *db.User) {
	bots, err := s.store.ListBotSellersByUser(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if bots == nil {
		bots = []*db.BotSeller{}
	}
	writeJSON(w, map[string]interface{}{"bot_sellers": bots})
}

// ownedBot loads the path's bot and checks it belongs to the caller.
// Someone else's bot reads as absent from the /users/me collection.
func (s *Server) ownedBot(w http.ResponseWriter, r *http.Request, user *db.User) *db.BotSeller {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, 400, err.Error())
		return nil
	}
	bot, err := s.store.GetBotSeller(r.Context(), id)
	if err != nil {
		fail(w, err)
		return nil
	}
	if bot.UserID != user.ID {
		writeError(w, 404, "not found")
		return nil
	}
	return bot
}

func (s *Server) handleGetBotSeller(w http.ResponseWriter, r *http.Request, user *db.User) {
	bot := s.ownedBot(w, r, user)
	if bot == nil {
		return
	}
	writeJSON(w, bot)
}

func (s *Server) handleUpdateBotSeller(w http.ResponseWriter, r *http.Request, user *db.User) {
	bot := s.ownedBot(w, r, user)
	if bot == nil {
		return
	}
	var req struct {
		Name      *string  `json:"name"`
		Info      *string  `json:"info"`
		Price     *float64 `json:"price"`
		LLMModel  *string  `json:"llm_model"`
		LLMPrompt *string  `json:"llm_prompt"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			writeError(w, 400, "name cannot be empty")
			return
		}
		bot.Name = *req.Name
	}
	// Touching either mode's fields moves the bot to that mode; the other
	// mode's fields are cleared so the one-mode rule can hold.
	if req.Info != nil || req.Price != nil {
		if req.Info != nil {
			bot.Info = req.Info
		}
		if req.Price != nil {
			if *req.Price < 0 {
				writeError(w, 400, "price cannot be negative")
				return
			}
			bot.Price = req.Price
		}
		bot.LLMModel, bot.LLMPrompt = nil, nil
	} else if req.LLMModel != nil || req.LLMPrompt != nil {
		if req.LLMModel != nil {
			bot.LLMModel = req.LLMModel
		}
		if req.LLMPrompt != nil {
			bot.LLMPrompt = req.LLMPrompt
		}
		bot.Info, bot.Price = nil, nil
	}
	if err := bot.Validate(); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if err := s.store.UpdateBotSeller(r.Context(), bot); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, bot)
}

func (s *Server) handleDeleteBotSeller(w http.ResponseWriter, r *http.Request, user *db.User) {
	bot := s.ownedBot(w, r, user)
	if bot == nil {
		return
	}
	// Subscriptions go first so the matcher stops delivering to the bot;
	// their inbox rows go with them via cascade.
	if err := s.store.DeleteSubscriptionsBySeller(r.Context(), db.SellerBot, bot.ID); err != nil {
		fail(w, err)
		return
	}
	if err := s.store.DeleteBotSeller(r.Context(), bot.ID); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(204)
}
