package handler

import (
	"time"

	"proxyvote/internal/delegation/models"
)

// NodeResponse is the HTTP representation of a delegation node.
type NodeResponse struct {
	ID              string          `json:"id"`
	Controller      string          `json:"controller"`
	SourcePrincipal string          `json:"source_principal"`
	Delegatee       string          `json:"delegatee"`
	FanoutBudget    int             `json:"fanout_budget"`
	Children        []ChildResponse `json:"children"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ChildResponse is one active sub-delegation of a node.
type ChildResponse struct {
	Delegatee string `json:"delegatee"`
	NodeID    string `json:"node_id"`
}

// FromNode converts a domain node to its HTTP representation.
func FromNode(node *models.Node) *NodeResponse {
	children := make([]ChildResponse, 0, len(node.Children))
	for delegatee, childID := range node.Children {
		children = append(children, ChildResponse{
			Delegatee: delegatee.String(),
			NodeID:    childID.String(),
		})
	}
	return &NodeResponse{
		ID:              node.ID.String(),
		Controller:      node.Controller.String(),
		SourcePrincipal: node.SourcePrincipal.String(),
		Delegatee:       node.Delegatee.String(),
		FanoutBudget:    node.FanoutBudget,
		Children:        children,
		CreatedAt:       node.CreatedAt,
	}
}

// FromNodes converts a batch of domain nodes.
func FromNodes(nodes []*models.Node) []*NodeResponse {
	out := make([]*NodeResponse, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, FromNode(node))
	}
	return out
}
