package pharmacy

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Gate answers whether any pair drawn from a set of medications is unsafe to
// dispense together. It is a pure query; the dispensing policy (what blocks,
// what merely warns) belongs to the caller.
type Gate struct {
	interactions InteractionRepository
}

func NewGate(interactions InteractionRepository) *Gate {
	return &Gate{interactions: interactions}
}

// Evaluate returns every recorded interaction among the distinct items in
// medicationIDs. Duplicates in the input are ignored; an item never interacts
// with itself.
func (g *Gate) Evaluate(ctx context.Context, medicationIDs []uuid.UUID) ([]InteractionMatch, error) {
	distinct := make(map[uuid.UUID]struct{}, len(medicationIDs))
	for _, id := range medicationIDs {
		distinct[id] = struct{}{}
	}
	if len(distinct) < 2 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(distinct))
	for id := range distinct {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	records, err := g.interactions.FindForItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("looking up interactions: %w", err)
	}

	matches := make([]InteractionMatch, 0, len(records))
	for _, r := range records {
		matches = append(matches, InteractionMatch{
			ItemAID:  r.ItemAID,
			ItemBID:  r.ItemBID,
			Severity: r.Severity,
			Guidance: r.Guidance,
		})
	}
	return matches, nil
}

// RecordInteraction stores a new interaction pair in canonical order.
func (g *Gate) RecordInteraction(ctx context.Context, di *DrugInteraction) error {
	if di.ItemAID == uuid.Nil || di.ItemBID == uuid.Nil {
		return fmt.Errorf("both item ids are required")
	}
	if di.ItemAID == di.ItemBID {
		return fmt.Errorf("an item cannot interact with itself")
	}
	if !validSeverities[di.Severity] {
		return fmt.Errorf("invalid severity: %s", di.Severity)
	}
	di.ItemAID, di.ItemBID = CanonicalPair(di.ItemAID, di.ItemBID)
	return g.interactions.Create(ctx, di)
}

func (g *Gate) DeleteInteraction(ctx context.Context, id uuid.UUID) error {
	return g.interactions.Delete(ctx, id)
}

func (g *Gate) ListInteractions(ctx context.Context, limit, offset int) ([]*DrugInteraction, int, error) {
	return g.interactions.List(ctx, limit, offset)
}
