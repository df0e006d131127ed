// Package entity is the domain persistence collaborator: CRUD plus soft
// delete for the records workflow steps create and mutate (orders, tasks,
// designs). Steps are oblivious to the storage technology behind Repository.
package entity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("entity not found")

// MetaTransactionID is the metadata field carrying the id of the workflow
// transaction an entity belongs to. Transaction discovery reads this field,
// never naming conventions.
const MetaTransactionID = "transaction_id"

// Ref identifies a domain entity by type and id.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r Ref) String() string { return r.Type + ":" + r.ID }

// Entity is a stored domain record. Attributes hold domain data; Metadata
// holds cross-cutting fields such as the owning transaction id.
type Entity struct {
	Ref
	Attributes map[string]any    `json:"attributes,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	DeletedAt  *time.Time        `json:"deleted_at,omitempty"`
}

// New builds an entity of the given type with a fresh id.
func New(typ string) *Entity {
	return &Entity{
		Ref:        Ref{Type: typ, ID: newID(typ)},
		Attributes: map[string]any{},
		Metadata:   map[string]string{},
	}
}

// TransactionID returns the transaction id recorded on this entity, if any.
func (e *Entity) TransactionID() string {
	if e == nil {
		return ""
	}
	return e.Metadata[MetaTransactionID]
}

// SetTransactionID stamps the owning transaction id into metadata.
func (e *Entity) SetTransactionID(txID string) {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Metadata[MetaTransactionID] = txID
}

func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Attributes = make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		cp.Attributes[k] = v
	}
	cp.Metadata = make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		cp.Metadata[k] = v
	}
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

func newID(prefix string) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%s-%s", prefix, time.Now().UTC().Format("20060102T150405"), hex.EncodeToString(buf))
}
