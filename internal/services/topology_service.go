package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cmdb-studio/relgraph/internal/models"
	"github.com/cmdb-studio/relgraph/internal/repository"
	"github.com/cmdb-studio/relgraph/internal/topology"
	appErr "github.com/cmdb-studio/relgraph/pkg/errors"
)

type TopologyService interface {
	// Neighborhood expands around one CI up to depth hops (clamped to 1..4).
	Neighborhood(ctx context.Context, ciID uint, depth int, access Access) (*TopologyView, error)
	// Overview renders the relations among CIs matching a model/keyword filter.
	Overview(ctx context.Context, f OverviewFilter, access Access) (*TopologyView, error)
	// ExportEdges flattens visible edges into rows for tabular export.
	ExportEdges(ctx context.Context, modelID uint, access Access) ([]EdgeRow, error)
}

type OverviewFilter struct {
	ModelID uint
	CIID    uint
	Keyword string
	Depth   int
}

type TopologyNode struct {
	ID        uint   `json:"id"`
	Name      string `json:"name"`
	Code      string `json:"code"`
	ModelID   uint   `json:"model_id"`
	ModelName string `json:"model_name"`
	ModelIcon string `json:"model_icon"`
	Depth     int    `json:"depth"`
	IsCenter  bool   `json:"is_center"`
}

type TopologyEdge struct {
	ID               uint              `json:"id"`
	Source           uint              `json:"source"`
	Target           uint              `json:"target"`
	RelationTypeID   uint              `json:"relation_type_id"`
	RelationTypeName string            `json:"relation_type_name"`
	SourceType       models.SourceType `json:"source_type"`
	Direction        models.Direction  `json:"direction"`
	Style            json.RawMessage   `json:"style,omitempty"`
}

type TopologyView struct {
	Nodes     []TopologyNode `json:"nodes"`
	Edges     []TopologyEdge `json:"edges"`
	Outgoing  []TopologyEdge `json:"out_relations,omitempty"`
	Incoming  []TopologyEdge `json:"in_relations,omitempty"`
	Truncated bool           `json:"truncated"`
}

// EdgeRow is one line of the flat edge table.
type EdgeRow struct {
	RelationID   uint
	SourceID     uint
	SourceName   string
	SourceCode   string
	SourceModel  string
	TargetID     uint
	TargetName   string
	TargetCode   string
	TargetModel  string
	RelationType string
	RelationCode string
	Direction    models.Direction
	Provenance   models.SourceType
	CreatedAt    time.Time
}

type topologyService struct {
	relations repository.RelationRepository
	types     repository.RelationTypeRepository
	cis       repository.CIRepository
	modelRepo repository.ModelRepository
	maxNodes  int
}

func NewTopologyService(relations repository.RelationRepository, types repository.RelationTypeRepository, cis repository.CIRepository, modelRepo repository.ModelRepository, maxNodes int) TopologyService {
	if maxNodes <= 0 {
		maxNodes = topology.DefaultMaxNodes
	}
	return &topologyService{relations: relations, types: types, cis: cis, modelRepo: modelRepo, maxNodes: maxNodes}
}

var _ TopologyService = (*topologyService)(nil)

// repoGraph adapts the repositories to topology.Graph.
type repoGraph struct {
	relations repository.RelationRepository
	cis       repository.CIRepository
}

func (g repoGraph) Relations(ctx context.Context, ciID uint) ([]models.Relation, error) {
	return g.relations.ListByCI(ctx, ciID)
}

func (g repoGraph) Instances(ctx context.Context, ids []uint) (map[uint]models.CIInstance, error) {
	return g.cis.GetByIDs(ctx, ids)
}

func (s *topologyService) Neighborhood(ctx context.Context, ciID uint, depth int, access Access) (*TopologyView, error) {
	start, err := s.cis.GetByID(ctx, ciID)
	if err != nil {
		return nil, err
	}
	if !access.CanSee(start) {
		return nil, appErr.New(appErr.CodeForbidden, "ci is outside your data scope")
	}

	res, err := topology.Expand(ctx, repoGraph{relations: s.relations, cis: s.cis}, start,
		topology.ClampDepth(depth), access.EdgeVisible, s.maxNodes)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "expand topology failed")
	}

	nodes := make([]models.CIInstance, len(res.Nodes))
	depths := make(map[uint]int, len(res.Nodes))
	for i, n := range res.Nodes {
		nodes[i] = n.CI
		depths[n.CI.ID] = n.Depth
	}
	view, err := s.render(ctx, nodes, res.Edges, ciID, depths)
	if err != nil {
		return nil, err
	}
	view.Truncated = res.Truncated
	view.Outgoing = []TopologyEdge{}
	view.Incoming = []TopologyEdge{}
	for _, e := range view.Edges {
		if e.Source == ciID {
			view.Outgoing = append(view.Outgoing, e)
		} else if e.Target == ciID {
			view.Incoming = append(view.Incoming, e)
		}
	}
	return view, nil
}

func (s *topologyService) Overview(ctx context.Context, f OverviewFilter, access Access) (*TopologyView, error) {
	if f.CIID != 0 {
		return s.Neighborhood(ctx, f.CIID, f.Depth, access)
	}

	// Fetch one extra row to detect truncation.
	found, err := s.cis.Search(ctx, f.ModelID, f.Keyword, s.maxNodes+1)
	if err != nil {
		return nil, err
	}
	truncated := len(found) > s.maxNodes
	if truncated {
		found = found[:s.maxNodes]
	}
	visible := make([]models.CIInstance, 0, len(found))
	ids := make([]uint, 0, len(found))
	inSet := map[uint]struct{}{}
	for i := range found {
		if access.CanSee(&found[i]) {
			visible = append(visible, found[i])
			ids = append(ids, found[i].ID)
			inSet[found[i].ID] = struct{}{}
		}
	}

	var edges []models.Relation
	if len(ids) > 0 {
		all, err := s.relations.List(ctx, repository.RelationFilter{CIIDs: ids})
		if err != nil {
			return nil, err
		}
		for _, e := range all {
			_, a := inSet[e.SourceCIID]
			_, b := inSet[e.TargetCIID]
			if a && b {
				edges = append(edges, e)
			}
		}
	}

	view, err := s.render(ctx, visible, edges, 0, nil)
	if err != nil {
		return nil, err
	}
	view.Truncated = truncated
	return view, nil
}

func (s *topologyService) render(ctx context.Context, cis []models.CIInstance, edges []models.Relation, center uint, depths map[uint]int) (*TopologyView, error) {
	modelIDs := make([]uint, 0, len(cis))
	for _, ci := range cis {
		modelIDs = append(modelIDs, ci.ModelID)
	}
	modelByID, err := s.modelRepo.GetByIDs(ctx, modelIDs)
	if err != nil {
		return nil, err
	}
	typeIDs := make([]uint, 0, len(edges))
	for _, e := range edges {
		typeIDs = append(typeIDs, e.RelationTypeID)
	}
	typeByID, err := s.types.GetByIDs(ctx, typeIDs)
	if err != nil {
		return nil, err
	}

	view := &TopologyView{Nodes: make([]TopologyNode, 0, len(cis)), Edges: make([]TopologyEdge, 0, len(edges))}
	for _, ci := range cis {
		m := modelByID[ci.ModelID]
		view.Nodes = append(view.Nodes, TopologyNode{
			ID:        ci.ID,
			Name:      ci.Name,
			Code:      ci.Code,
			ModelID:   ci.ModelID,
			ModelName: m.Name,
			ModelIcon: m.Icon,
			Depth:     depths[ci.ID],
			IsCenter:  ci.ID == center,
		})
	}
	for _, e := range edges {
		rt := typeByID[e.RelationTypeID]
		view.Edges = append(view.Edges, TopologyEdge{
			ID:               e.ID,
			Source:           e.SourceCIID,
			Target:           e.TargetCIID,
			RelationTypeID:   e.RelationTypeID,
			RelationTypeName: rt.Name,
			SourceType:       e.SourceType,
			Direction:        rt.Direction,
			Style:            json.RawMessage(rt.Style),
		})
	}
	return view, nil
}

func (s *topologyService) ExportEdges(ctx context.Context, modelID uint, access Access) ([]EdgeRow, error) {
	edges, err := s.relations.List(ctx, repository.RelationFilter{ModelID: modelID})
	if err != nil {
		return nil, err
	}
	ciIDs := make([]uint, 0, len(edges)*2)
	typeIDs := make([]uint, 0, len(edges))
	for _, e := range edges {
		ciIDs = append(ciIDs, e.SourceCIID, e.TargetCIID)
		typeIDs = append(typeIDs, e.RelationTypeID)
	}
	ciByID, err := s.cis.GetByIDs(ctx, ciIDs)
	if err != nil {
		return nil, err
	}
	typeByID, err := s.types.GetByIDs(ctx, typeIDs)
	if err != nil {
		return nil, err
	}
	modelIDs := make([]uint, 0, len(ciByID))
	for _, ci := range ciByID {
		modelIDs = append(modelIDs, ci.ModelID)
	}
	modelByID, err := s.modelRepo.GetByIDs(ctx, modelIDs)
	if err != nil {
		return nil, err
	}

	rows := make([]EdgeRow, 0, len(edges))
	for _, e := range edges {
		src, okSrc := ciByID[e.SourceCIID]
		tgt, okTgt := ciByID[e.TargetCIID]
		if !okSrc || !okTgt || !access.EdgeVisible(&src, &tgt) {
			continue
		}
		rt := typeByID[e.RelationTypeID]
		rows = append(rows, EdgeRow{
			RelationID:   e.ID,
			SourceID:     src.ID,
			SourceName:   src.Name,
			SourceCode:   src.Code,
			SourceModel:  modelByID[src.ModelID].Name,
			TargetID:     tgt.ID,
			TargetName:   tgt.Name,
			TargetCode:   tgt.Code,
			TargetModel:  modelByID[tgt.ModelID].Name,
			RelationType: rt.Name,
			RelationCode: rt.Code,
			Direction:    rt.Direction,
			Provenance:   e.SourceType,
			CreatedAt:    e.CreatedAt,
		})
	}
	return rows, nil
}
