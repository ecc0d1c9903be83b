package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Node is the record type served by the demo API.
type Node struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	Counter   int64     `json:"counter"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeKey returns the store key of the node with the given id.
func NodeKey(id string) string {
	return "NODE#" + id
}

// NodeRepository reads and stages nodes through a Session.
type NodeRepository struct {
	session Session
}

// Nodes returns a NodeRepository bound to session.
func Nodes(session Session) *NodeRepository {
	return &NodeRepository{session: session}
}

// FindByID loads a node. Version is taken from the store, not from the payload.
func (r *NodeRepository) FindByID(ctx context.Context, id string) (*Node, error) {
	rec, err := r.session.Get(ctx, NodeKey(id))
	if err != nil {
		return nil, err
	}
	var node Node
	if err := json.Unmarshal(rec.Value, &node); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", id, err)
	}
	node.ID = id
	node.Version = rec.Version
	return &node, nil
}

// Save stages node for the next commit and sets Version to the version the node
// will have once committed.
func (r *NodeRepository) Save(node *Node) error {
	node.UpdatedAt = time.Now().UTC()
	read, _ := r.session.Original(NodeKey(node.ID))
	node.Version = read + 1
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", node.ID, err)
	}
	r.session.Put(NodeKey(node.ID), payload)
	return nil
}

// Delete stages the removal of the node.
func (r *NodeRepository) Delete(id string) {
	r.session.Delete(NodeKey(id))
}
