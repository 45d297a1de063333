// Package engine drives the recursive inspection of a decision context.
// Each step shows the buyer's model a batch of offers; the model buys,
// asks a follow-up question through a child context, or stops. When the
// recursion unwinds the root is settled through the ledger exactly once,
// whatever way the run ended.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"infonomy/internal/agent"
	"infonomy/internal/config"
	"infonomy/internal/db"
	"infonomy/internal/jobs"
	"infonomy/internal/ledger"
	"infonomy/internal/logger"
	"infonomy/internal/matcher"
)

// enoughOffers ends the wait for a child context's sellers early.
const enoughOffers = 3

// settleTimeout bounds the settlement that runs after job cancellation.
const settleTimeout = 30 * time.Second

// ErrNotRoot rejects inspection or settlement of a child context; those
// live and die inside their parent's recursion.
var ErrNotRoot = errors.New("not a root context")

// Engine runs inspections as background jobs.
type Engine struct {
	store  *db.DB
	keeper *ledger.Keeper
	index  *matcher.Index
	agent  agent.Agent
	keyFor agent.KeyFunc
	runner *jobs.Runner

	maxDepth   int
	maxBreadth int
	fastPoll   time.Duration
	slowPoll   time.Duration
	fastWindow time.Duration
	deadline   time.Duration
}

func New(store *db.DB, keeper *ledger.Keeper, ix *matcher.Index, ag agent.Agent, keyFor agent.KeyFunc, runner *jobs.Runner, cfg *config.Config) *Engine {
	if keyFor == nil {
		keyFor = func(map[string]string) string { return "" }
	}
	return &Engine{
		store:      store,
		keeper:     keeper,
		index:      ix,
		agent:      ag,
		keyFor:     keyFor,
		runner:     runner,
		maxDepth:   cfg.InspMaxDepth,
		maxBreadth: cfg.InspMaxBreadth,
		fastPoll:   cfg.FastPoll(),
		slowPoll:   cfg.SlowPoll(),
		fastWindow: cfg.FastWindow(),
		deadline:   cfg.BotDeadline(),
	}
}

// Result is the payload a finished inspection job leaves in the registry.
type Result struct {
	InspectionID int64              `json:"inspection_id"`
	PurchasedIDs []int64            `json:"purchased_offer_ids"`
	Settlement   *ledger.Settlement `json:"settlement,omitempty"`
}

// StartInspection records the root inspection step and hands the
// recursion to a background job. A nil offerIDs means "every offer not
// yet inspected"; explicit ids may re-examine inspected offers but never
// purchased ones. Returns the step with its job id attached.
func (e *Engine) StartInspection(ctx context.Context, root *db.DecisionContext, offerIDs []int64) (*db.Inspection, error) {
	if !root.IsRoot() {
		return nil, ErrNotRoot
	}
	if root.Terminated {
		return nil, fmt.Errorf("context %d already settled: %w", root.ID, db.ErrConflict)
	}

	batch, err := e.resolveBatch(ctx, root, offerIDs)
	if err != nil {
		return nil, err
	}
	buyer, err := e.store.GetUser(ctx, root.BuyerID)
	if err != nil {
		return nil, err
	}
	profile, err := e.store.GetBuyerProfile(ctx, root.BuyerID)
	if err != nil {
		return nil, err
	}

	insp := &db.Inspection{ContextID: root.ID, BuyerID: root.BuyerID, NewOfferIDs: batch}
	if _, err := e.store.CreateInspection(ctx, insp); err != nil {
		return nil, err
	}

	jobID := e.runner.Submit(fmt.Sprintf("inspect-context-%d", root.ID), func(jctx context.Context) (any, error) {
		return e.run(jctx, root, insp, buyer, profile)
	})
	insp.JobID = jobID
	if err := e.store.SetInspectionJob(ctx, insp.ID, jobID); err != nil {
		logger.Warn("ENGINE", fmt.Sprintf("Record job %s on inspection %d: %v", jobID, insp.ID, err))
	}
	logger.Info("ENGINE", fmt.Sprintf("Inspecting context %d: %d offer(s), job %s", root.ID, len(batch), jobID))
	return insp, nil
}

// CancelAndSettle stops any job still driving the root's inspections and
// settles it. Context deletion uses this; a root that already settled is
// reported as done with a nil settlement.
func (e *Engine) CancelAndSettle(ctx context.Context, root *db.DecisionContext) (*ledger.Settlement, error) {
	if !root.IsRoot() {
		return nil, ErrNotRoot
	}
	inspections, err := e.store.ListInspectionsByContext(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	for _, ins := range inspections {
		if ins.JobID != "" && e.runner.Cancel(ins.JobID) {
			logger.Info("ENGINE", fmt.Sprintf("Cancelled job %s for context %d", ins.JobID, root.ID))
		}
	}
	settlement, err := e.keeper.SettleRoot(ctx, root)
	if db.IsConflict(err) {
		return nil, nil
	}
	return settlement, err
}

// Job exposes the job registry to the API layer.
func (e *Engine) Job(id string) (jobs.Job, bool) { return e.runner.Get(id) }

// resolveBatch turns the request's offer ids into the step's batch.
func (e *Engine) resolveBatch(ctx context.Context, c *db.DecisionContext, ids []int64) ([]int64, error) {
	offers, err := e.store.ListOffersByContext(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	var batch []int64
	if ids == nil {
		for _, o := range offers {
			if !o.Inspected && !o.Purchased {
				batch = append(batch, o.ID)
			}
		}
		return batch, nil
	}

	byID := make(map[int64]*db.InfoOffer, len(offers))
	for _, o := range offers {
		byID[o.ID] = o
	}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		o, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("offer %d does not belong to context %d: %w", id, c.ID, db.ErrNotFound)
		}
		if o.Purchased {
			return nil, fmt.Errorf("offer %d is already purchased: %w", id, db.ErrConflict)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		batch = append(batch, id)
	}
	return batch, nil
}

/// run is the job body: recurse, then settle. Settlement uses a context
// that survives job cancellation, so a cancelled run still pays sellers
// and releases the buyer's escrow.
func (e *Engine) run(ctx context.Context, root *db.DecisionContext, insp *db.Inspection, buyer *db.User, profile *db.BuyerProfile) (any, error) {
	purchased, stepErr := e.step(ctx, root, root, insp, buyer, profile, 0, 0)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	settlement, serr := e.keeper.SettleRoot(sctx, root)
	if serr != nil && !db.IsConflict(serr) {
		logger.Error("ENGINE", fmt.Sprintf("Settle context %d: %v", root.ID, serr))
		if stepErr == nil {
			stepErr = serr
		}
	}

	res := &Result{InspectionID: insp.ID, PurchasedIDs: purchased, Settlement: settlement}
	if stepErr != nil {
		return res, stepErr
	}
	return res, nil
}

// step is one node of the inspection tree. depth grows through child
// contexts, breadth through younger brothers, and a child starts at its
// parent's breadth; either bound ends the branch. Returns every offer
// id bought at or below this node.
func (e *Engine) step(ctx context.Context, root, dctx *db.DecisionContext, insp *db.Inspection, buyer *db.User, profile *db.BuyerProfile, depth, breadth int) ([]int64, error) {
	if depth >= e.maxDepth || breadth >= e.maxBreadth {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The root may have been settled underneath us by a deletion.
	fresh, err := e.store.GetContext(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	if fresh.Terminated {
		return nil, nil
	}

	if len(insp.NewOfferIDs) == 0 {
		return nil, nil
	}
	batch, err := e.store.ListOffersByIDs(ctx, insp.NewOfferIDs)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}
	// Showing the batch reveals its private text, with or without a sale.
	if err := e.store.MarkOffersInspected(ctx, insp.NewOfferIDs); err != nil {
		return nil, err
	}
	known, err := e.store.ListOffersByIDs(ctx, insp.KnownOfferIDs)
	if err != nil {
		return nil, err
	}

	// Spendable here is the context's own budget net of its subtree's
	// purchases, never exceeding what is left of the root's escrow.
	spentHere, err := e.store.TreeSpent(ctx, dctx.ID)
	if err != nil {
		return nil, err
	}
	remaining := dctx.MaxBudget - spentHere
	if dctx.ID != root.ID {
		spentRoot, err := e.store.TreeSpent(ctx, root.ID)
		if err != nil {
			return nil, err
		}
		if rootRemaining := root.MaxBudget - spentRoot; remaining > rootRemaining {
			remaining = rootRemaining
		}
	}
	if remaining < 0 {
		remaining = 0
	}

	decision, err := e.agent.Decide(ctx, &agent.DecisionRequest{
		Query:        dctx.Query,
		ContextPages: dctx.ContextPages,
		Budget:       remaining,
		Offers:       summarize(batch, true),
		KnownOffers:  summarize(known, false),
		Depth:        depth,
		Breadth:      breadth,
		Model:        profile.AgentModel,
		SystemPrompt: profile.AgentPrompt,
		APIKey:       e.keyFor(buyer.APIKeys),
	})
	if err != nil {
		if errors.Is(err, agent.ErrAgent) {
			logger.Warn("ENGINE", fmt.Sprintf("No decision for context %d: %v", dctx.ID, err))
			return nil, nil
		}
		return nil, err
	}

	if len(decision.BuyOfferIDs) > 0 {
		return e.purchase(ctx, root, insp, decision.BuyOfferIDs)
	}
	if decision.Followup == nil {
		return nil, nil
	}
	return e.followup(ctx, root, dctx, insp, buyer, profile, decision.Followup, remaining, depth, breadth)
}

// purchase marks each chosen offer sold. The offer flip, the step's
// purchase record, and the root-not-settled check commit together; an
// offer grabbed by a concurrent run or a root settled mid-loop surfaces
// as a conflict and the id is dropped.
func (e *Engine) purchase(ctx context.Context, root *db.DecisionContext, insp *db.Inspection, ids []int64) ([]int64, error) {
	var bought []int64
	for _, id := range ids {
		err := e.store.Retry(ctx, func() error {
			return e.store.WithTx(ctx, func(tx *sql.Tx) error {
				terminated, err := db.ContextTerminatedTx(tx, root.ID)
				if err != nil {
					return err
				}
				if terminated {
					return db.ErrConflict
				}
				if err := db.MarkOfferPurchasedTx(tx, id); err != nil {
					return err
				}
				return db.AddInspectionPurchaseTx(tx, insp.ID, id)
			})
		})
		if db.IsConflict(err) {
			logger.Warn("ENGINE", fmt.Sprintf("Offer %d no longer purchasable, dropped", id))
			continue
		}
		if err != nil {
			return bought, err
		}
		bought = append(bought, id)
	}
	if len(bought) > 0 {
		logger.Success("ENGINE", fmt.Sprintf("Context %d: purchased %d offer(s)", root.ID, len(bought)))
	}
	return bought, nil
}

// followup spawns a child context for the model's question, waits for
// sellers, recurses into the child, then re-decides the current batch on
// a younger brother with the child's purchases as known information.
func (e *Engine) followup(ctx context.Context, root, dctx *db.DecisionContext, insp *db.Inspection, buyer *db.User, profile *db.BuyerProfile, f *agent.Followup, remaining float64, depth, breadth int) ([]int64, error) {
	budget := f.MaxBudget
	if budget > remaining {
		budget = remaining
	}
	if budget <= 0 {
		return nil, nil
	}

	// Children draw on the root's escrow: no new escrow, no counter bump.
	// They inherit the pages and run at high priority.
	child := &db.DecisionContext{
		BuyerID:        root.BuyerID,
		Query:          f.Query,
		ContextPages:   dctx.ContextPages,
		MaxBudget:      budget,
		Priority:       1,
		ParentID:       &dctx.ID,
		ParentOfferIDs: insp.NewOfferIDs,
	}
	err := e.store.Retry(ctx, func() error {
		return e.store.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := db.InsertContextTx(tx, child)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.SetInspectionChild(ctx, insp.ID, child.ID); err != nil {
		return nil, err
	}
	logger.Info("ENGINE", fmt.Sprintf("Context %d spawned child %d (budget %.2f): %q", dctx.ID, child.ID, budget, f.Query))

	if _, err := e.index.RefreshContext(ctx, child.ID); err != nil {
		logger.Warn("ENGINE", fmt.Sprintf("Fan out child %d: %v", child.ID, err))
	}
	if _, err := e.waitForOffers(ctx, child.ID); err != nil {
		return nil, err
	}

	childOffers, err := e.store.ListOffersByContext(ctx, child.ID)
	if err != nil {
		return nil, err
	}
	childInsp := &db.Inspection{
		ContextID:     child.ID,
		BuyerID:       root.BuyerID,
		KnownOfferIDs: insp.NewOfferIDs, // the offers the question is about
		NewOfferIDs:   offerIDs(childOffers),
	}
	if _, err := e.store.CreateInspection(ctx, childInsp); err != nil {
		return nil, err
	}
	childBought, err := e.step(ctx, root, child, childInsp, buyer, profile, depth+1, breadth)
	if err != nil {
		return childBought, err
	}

	// Whatever the child bought is knowledge now; re-decide everything on
	// this context that is still unpurchased and not already known.
	knownIDs := append(append([]int64{}, insp.KnownOfferIDs...), childBought...)
	knownSet := make(map[int64]bool, len(knownIDs))
	for _, id := range knownIDs {
		knownSet[id] = true
	}
	all, err := e.store.ListOffersByContext(ctx, dctx.ID)
	if err != nil {
		return childBought, err
	}
	var newIDs []int64
	for _, o := range all {
		if o.Purchased || knownSet[o.ID] {
			continue
		}
		newIDs = append(newIDs, o.ID)
	}

	younger := &db.Inspection{
		ContextID:      dctx.ID,
		BuyerID:        root.BuyerID,
		ElderBrotherID: &insp.ID,
		KnownOfferIDs:  knownIDs,
		NewOfferIDs:    newIDs,
	}
	if _, err := e.store.CreateInspection(ctx, younger); err != nil {
		return childBought, err
	}
	if err := e.store.SetInspectionYoungerBrother(ctx, insp.ID, younger.ID); err != nil {
		return childBought, err
	}

	laterBought, err := e.step(ctx, root, dctx, younger, buyer, profile, depth, breadth+1)
	return append(childBought, laterBought...), err
}

// waitForOffers polls a child context for seller answers: fast inside
// the bot-response window, slow after it, hard stop at the deadline.
// Returns early once enough offers arrived, or once any offer exists
// and the fast window has passed.
func (e *Engine) waitForOffers(ctx context.Context, contextID int64) (int, error) {
	start := time.Now()
	for {
		n, err := e.store.CountOffersByContext(ctx, contextID)
		if err != nil {
			return 0, err
		}
		elapsed := time.Since(start)
		switch {
		case n >= enoughOffers:
			return n, nil
		case n > 0 && elapsed >= e.fastWindow:
			return n, nil
		case elapsed >= e.deadline:
			return n, nil
		}
		interval := e.fastPoll
		if elapsed >= e.fastWindow {
			interval = e.slowPoll
		}
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// summarize projects offers for the deciding model. reveal exposes the
// private text for the whole slice; otherwise only purchased offers show
// theirs.
func summarize(offers []*db.InfoOffer, reveal bool) []agent.OfferSummary {
	out := make([]agent.OfferSummary, 0, len(offers))
	for _, o := range offers {
		s := agent.OfferSummary{ID: o.ID, Price: o.Price, PublicInfo: o.PublicInfo, Purchased: o.Purchased}
		if reveal || o.Purchased {
			s.PrivateInfo = o.PrivateInfo
		}
		out = append(out, s)
	}
	return out
}

func offerIDs(offers []*db.InfoOffer) []int64 {
	ids := make([]int64, 0, len(offers))
	for _, o := range offers {
		ids = append(ids, o.ID)
	}
	return ids
}
