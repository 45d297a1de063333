package api

import (
	"net/http"
	"time"

	"infonomy/internal/db"
)

// offerView is the projection served over HTTP. PrivateInfo is present
// only when the requester is the offer's seller or has purchased it.
type offerView struct {
	ID          int64     `json:"id"`
	ContextID   int64     `json:"context_id"`
	SellerKind  string    `json:"seller_kind"`
	SellerID    int64     `json:"seller_id"`
	PublicInfo  string    `json:"public_info"`
	PrivateInfo string    `json:"private_info,omitempty"`
	Price       float64   `json:"price"`
	Inspected   bool      `json:"inspected"`
	Purchased   bool      `json:"purchased"`
	CreatedAt   time.Time `json:"created_at"`
}

func projectOffer(o *db.InfoOffer, revealed bool) offerView {
	v := offerView{
		ID:         o.ID,
		ContextID:  o.ContextID,
		SellerKind: o.SellerKind,
		SellerID:   o.SellerID,
		PublicInfo: o.PublicInfo,
		Price:      o.Price,
		Inspected:  o.Inspected,
		Purchased:  o.Purchased,
		CreatedAt:  o.CreatedAt,
	}
	if revealed {
		v.PrivateInfo = o.PrivateInfo
	}
	return v
}

// isOfferSeller reports whether the user is the offer's seller: the
// human seller themselves, or the owner of the bot that posted it.
func (s *Server) isOfferSeller(r *http.Request, user *db.User, o *db.InfoOffer) (bool, error) {
	switch o.SellerKind {
	case db.SellerHuman:
		return o.SellerID == user.ID, nil
	case db.SellerBot:
		bot, err := s.store.GetBotSeller(r.Context(), o.SellerID)
		if db.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return bot.UserID == user.ID, nil
	}
	return false, nil
}

// reveal decides the projection for one offer: sellers always see their
// own text, the context's buyer sees it once purchased.
func (s *Server) reveal(r *http.Request, user *db.User, o *db.InfoOffer, c *db.DecisionContext) (bool, error) {
	if user.ID == c.BuyerID && o.Purchased {
		return true, nil
	}
	return s.isOfferSeller(r, user, o)
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request, user *db.User) {
	cid, err := pathID(r, "cid")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var req struct {
		PrivateInfo string  `json:"private_info"`
		PublicInfo  string  `json:"public_info"`
		Price       float64 `json:"price"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	isSeller, err := s.store.HasHumanSeller(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if !isSeller {
		writeError(w, 400, "not a seller")
		return
	}
	if req.PrivateInfo == "" {
		writeError(w, 400, "private_info is required")
		return
	}
	if req.Price < 0 {
		writeError(w, 400, "price cannot be negative")
		return
	}
	c, err := s.store.GetContext(r.Context(), cid)
	if err != nil {
		fail(w, err)
		return
	}
	if c.Terminated {
		writeError(w, 409, "context already settled")
		return
	}
	o := &db.InfoOffer{
		ContextID:   c.ID,
		SellerKind:  db.SellerHuman,
		SellerID:    user.ID,
		PrivateInfo: req.PrivateInfo,
		PublicInfo:  req.PublicInfo,
		Price:       req.Price,
	}
	id, err := s.store.CreateOffer(r.Context(), o)
	if err != nil {
		fail(w, err)
		return
	}
	o.ID = id
	// The seller has answered: their inbox item for this context moves
	// out of "new" so the listing stays a to-do list.
	if err := s.store.SetStatusForSeller(r.Context(), db.SellerHuman, user.ID, c.ID, db.InboxResponded); err != nil {
		fail(w, err)
		return
	}
	created, err := s.store.GetOffer(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	writeStatusJSON(w, 201, projectOffer(created, true))
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request, user *db.User) {
	cid, err := pathID(r, "cid")
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	c, err := s.store.GetContext(r.Context(), cid)
	if err != nil {
		fail(w, err)
		return
	}
	// Child contexts belong to the recursion; only the tree's buyer may
	// browse what it gathered.
	if !c.IsRoot() && c.BuyerID != user.ID {
		writeError(w, 403, "forbidden")
		return
	}
	offers, err := s.store.ListOffersByContext(r.Context(), cid)
	if err != nil {
		fail(w, err)
		return
	}
	views := make([]offerView, 0, len(offers))
	for _, o := range offers {
		revealed, err := s.reveal(r, user, o, c)
		if err != nil {
			fail(w, err)
			return
		}
		views = append(views, projectOffer(o, revealed))
	}
	writeJSON(w, map[string]interface{}{"offers": views})
}

// offerOnContext resolves the {cid}/{oid} pair, 404 when the offer does
// not hang off that context.
func (s *Server) offerOnContext(w http.ResponseWriter, r *http.Request) (*db.InfoOffer, *db.DecisionContext) {
	cid, err := pathID(r, "cid")
	if err != nil {
		writeError(w, 400, err.Error())
		return nil, nil
	}
	oid, err := pathID(r, "oid")
	if err != nil {
		writeError(w, 400, err.Error())
		return nil, nil
	}
	o, err := s.store.GetOffer(r.Context(), oid)
	if err != nil {
		fail(w, err)
		return nil, nil
	}
	if o.ContextID != cid {
		writeError(w, 404, "not found")
		return nil, nil
	}
	c, err := s.store.GetContext(r.Context(), cid)
	if err != nil {
		fail(w, err)
		return nil, nil
	}
	return o, c
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request, user *db.User) {
	o, c := s.offerOnContext(w, r)
	if o == nil {
		return
	}
	revealed, err := s.reveal(r, user, o, c)
	if err != nil {
		fail(w, err)
		return
	}
	if !c.IsRoot() && c.BuyerID != user.ID && !revealed {
		writeError(w, 403, "forbidden")
		return
	}
	writeJSON(w, projectOffer(o, revealed))
}

func (s *Server) handleUpdateOffer(w http.ResponseWriter, r *http.Request, user *db.User) {
	o, _ := s.offerOnContext(w, r)
	if o == nil {
		return
	}
	isSeller, err := s.isOfferSeller(r, user, o)
	if err != nil {
		fail(w, err)
		return
	}
	if !isSeller {
		writeError(w, 403, "forbidden")
		return
	}
	var req struct {
		PrivateInfo *string  `json:"private_info"`
		PublicInfo  *string  `json:"public_info"`
		Price       *float64 `json:"price"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if req.PrivateInfo != nil {
		if *req.PrivateInfo == "" {
			writeError(w, 400, "private_info cannot be empty")
			return
		}
		o.PrivateInfo = *req.PrivateInfo
	}
	if req.PublicInfo != nil {
		o.PublicInfo = *req.PublicInfo
	}
	if req.Price != nil {
		if *req.Price < 0 {
			writeError(w, 400, "price cannot be negative")
			return
		}
		o.Price = *req.Price
	}
	if err := s.store.UpdateOffer(r.Context(), o); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, projectOffer(o, true))
}

func (s *Server) handleDeleteOffer(w http.ResponseWriter, r *http.Request, user *db.User) {
	o, c := s.offerOnContext(w, r)
	if o == nil {
		return
	}
	isSeller, err := s.isOfferSeller(r, user, o)
	if err != nil {
		fail(w, err)
		return
	}
	if !isSeller {
		writeError(w, 403, "forbidden")
		return
	}
	if err := s.store.DeleteOffer(r.Context(), o.ID); err != nil {
		fail(w, err)
		return
	}
	// Withdrawing the answer reopens the question in the seller's inbox.
	if err := s.store.SetStatusForSeller(r.Context(), o.SellerKind, o.SellerID, c.ID, db.InboxNew); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handlePurchases(w http.ResponseWriter, r *http.Request, user *db.User) {
	offers, err := s.store.ListPurchasesByBuyer(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	views := make([]offerView, 0, len(offers))
	for _, o := range offers {
		views = append(views, projectOffer(o, true))
	}
	writeJSON(w, map[string]interface{}{"purchases": views})
}

// handleSales merges the caller's human sales with those of every bot
// they own. Sellers always see their own private text.
func (s *Server) handleSales(w http.ResponseWriter, r *http.Request, user *db.User) {
	var all []*db.InfoOffer
	has, err := s.store.HasHumanSeller(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	if has {
		sales, err := s.store.ListSalesBySeller(r.Context(), db.SellerHuman, user.ID)
		if err != nil {
			fail(w, err)
			return
		}
		all = append(all, sales...)
	}
	bots, err := s.store.ListBotSellersByUser(r.Context(), user.ID)
	if err != nil {
		fail(w, err)
		return
	}
	for _, bot := range bots {
		sales, err := s.store.ListSalesBySeller(r.Context(), db.SellerBot, bot.ID)
		if err != nil {
			fail(w, err)
			return
		}
		all = append(all, sales...)
	}
	views := make([]offerView, 0, len(all))
	for _, o := range all {
		views = append(views, projectOffer(o, true))
	}
	writeJSON(w, map[string]interface{}{"sales": views})
}
