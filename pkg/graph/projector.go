package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
)

// Relationship types written by the projector
const (
	RelSharesHousehold = "SHARES_HOUSEHOLD"
	RelLivesAt         = "LIVES_AT"
	RelSeenAt          = "SEEN_AT"
	RelMergedInto      = "MERGED_INTO"
)

// Runner executes graph statements
type Runner interface {
	Write(ctx context.Context, cypher string, params map[string]any) error
	Read(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

// Projector mirrors decisions into the graph. It is a best-effort view; the
// relational ledger stays authoritative.
type Projector struct {
	runner Runner
	logger ectologger.Logger
}

func NewProjector(runner Runner, logger ectologger.Logger) *Projector {
	return &Projector{runner: runner, logger: logger}
}

// Label maps an entity kind to its node label
func Label(kind models.EntityKind) (string, error) {
	switch kind {
	case models.EntityKindPerson:
		return "Person", nil
	case models.EntityKindPlace:
		return "Place", nil
	case models.EntityKindAnimal:
		return "Animal", nil
	}
	return "", resolution.NewErrorf(resolution.KindInvalidInput, "unknown entity kind %q", kind)
}

func (p *Projector) upsertNode(ctx context.Context, kind models.EntityKind, id string) error {
	label, err := Label(kind)
	if err != nil {
		return err
	}
	return p.runner.Write(ctx, fmt.Sprintf(`MERGE (n:%s {id: $id})`, label), map[string]any{"id": id})
}

func (p *Projector) link(ctx context.Context, fromKind models.EntityKind, fromID, rel string, toKind models.EntityKind, toID string, props map[string]any) error {
	fromLabel, err := Label(fromKind)
	if err != nil {
		return err
	}
	toLabel, err := Label(toKind)
	if err != nil {
		return err
	}
	cypher := fmt.Sprintf(`
		MERGE (a:%s {id: $from})
		MERGE (b:%s {id: $to})
		MERGE (a)-[r:%s]->(b)
		SET r += $props
	`, fromLabel, toLabel, rel)
	if props == nil {
		props = map[string]any{}
	}
	return p.runner.Write(ctx, cypher, map[string]any{"from": fromID, "to": toID, "props": props})
}

// EmitDecision upserts the decided entity, and the household edge for household members
func (p *Projector) EmitDecision(ctx context.Context, d *models.Decision) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.EmitDecision")
	defer span.End()

	if d.EntityID == nil {
		return nil
	}
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"decision_id": d.ID,
		"entity_kind": d.EntityKind,
		"entity_id":   *d.EntityID,
	})

	var err error
	if d.Outcome == models.OutcomeHouseholdMember && d.CandidateID != nil {
		err = p.link(ctx, models.EntityKindPerson, *d.EntityID, RelSharesHousehold, models.EntityKindPerson, *d.CandidateID,
			map[string]any{"decision_id": d.ID, "score": d.Score})
	} else {
		err = p.upsertNode(ctx, d.EntityKind, *d.EntityID)
	}
	if err != nil {
		log.WithError(err).Warn("Failed to project decision into graph")
		return err
	}
	log.Debug("Projected decision into graph")
	return nil
}

// EmitMerged draws fromID -> survivor
func (p *Projector) EmitMerged(ctx context.Context, d *models.Decision, fromID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.EmitMerged")
	defer span.End()

	if err := p.link(ctx, d.EntityKind, fromID, RelMergedInto, d.EntityKind, models.Deref(d.EntityID),
		map[string]any{"decision_id": d.ID}); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to project merge into graph")
		return err
	}
	return nil
}

// ProjectResult links resolved persons and animals to the place they were reported at
func (p *Projector) ProjectResult(ctx context.Context, r *resolution.Result) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectResult")
	defer span.End()

	if r == nil || !r.Resolved() || r.PlaceID == "" {
		return nil
	}

	var rel string
	switch r.EntityKind {
	case models.EntityKindPerson:
		rel = RelLivesAt
	case models.EntityKindAnimal:
		rel = RelSeenAt
	default:
		return nil
	}
	if err := p.link(ctx, r.EntityKind, r.EntityID, rel, models.EntityKindPlace, r.PlaceID, nil); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to project place link into graph")
		return err
	}
	return nil
}

// Neighbor is one node adjacent to a queried entity
type Neighbor struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	Relationship string `json:"relationship"`
	Outgoing     bool   `json:"outgoing"`
}

// Neighbors lists nodes one hop from the entity
func (p *Projector) Neighbors(ctx context.Context, kind models.EntityKind, id string, limit int) ([]Neighbor, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.Neighbors")
	defer span.End()

	label, err := Label(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	cypher := fmt.Sprintf(`
		MATCH (n:%s {id: $id})-[r]-(m)
		RETURN m.id AS id, labels(m)[0] AS label, type(r) AS rel, startNode(r) = n AS outgoing
		LIMIT $limit
	`, label)
	rows, err := p.runner.Read(ctx, cypher, map[string]any{"id": id, "limit": limit})
	if err != nil {
		return nil, err
	}

	out := make([]Neighbor, 0, len(rows))
	for _, row := range rows {
		n := Neighbor{}
		n.ID, _ = row["id"].(string)
		n.Label, _ = row["label"].(string)
		n.Relationship, _ = row["rel"].(string)
		n.Outgoing, _ = row["outgoing"].(bool)
		out = append(out, n)
	}
	return out, nil
}
