package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrUnknownOperation = errors.New("unknown operation")
)

// Property types.
const (
	TypeString          = "string"
	TypeNumber          = "number"
	TypeBoolean         = "boolean"
	TypeOptions         = "options"
	TypeJSON            = "json"
	TypeFixedCollection = "fixedCollection"
)

type Option struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Property describes one node parameter. Show limits the property to
// parameter values: it is visible only when every named parameter holds
// one of the listed values. Hidden properties are neither required nor
// validated.
type Property struct {
	Name        string              `json:"name"`
	DisplayName string              `json:"displayName"`
	Type        string              `json:"type"`
	Default     any                 `json:"default,omitempty"`
	Required    bool                `json:"required,omitempty"`
	Options     []Option            `json:"options,omitempty"`
	Show        map[string][]string `json:"show,omitempty"`
	Description string              `json:"description,omitempty"`
}

type Description struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"displayName"`
	Description string     `json:"description"`
	Version     int        `json:"version"`
	Properties  []Property `json:"properties"`
}

type Node interface {
	Description() Description
	Execute(ctx context.Context, in Input) ([]Item, error)
}

// Input is one execution: node-level parameters and the incoming items.
type Input struct {
	Items  []Item         `json:"items"`
	Params map[string]any `json:"params"`
}

// Item is one unit of workflow data. Params carries per-item parameter
// values that override the node-level ones.
type Item struct {
	JSON   map[string]any    `json:"json"`
	Binary map[string]Binary `json:"binary,omitempty"`
	Params map[string]any    `json:"params,omitempty"`
}

// Binary is base64-encoded file data attached to an item.
type Binary struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName,omitempty"`
}

type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

func NewRegistry(nodes ...Node) (*Registry, error) {
	r := &Registry{nodes: make(map[string]Node)}
	for _, n := range nodes {
		if err := r.Register(n); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(n Node) error {
	name := n.Description().Name
	if name == "" {
		return errors.New("node has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[name]; ok {
		return fmt.Errorf("node %q already registered", name)
	}
	r.nodes[name] = n
	return nil
}

func (r *Registry) Get(name string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	return n, nil
}

// List returns all descriptions sorted by name.
func (r *Registry) List() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Description, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Description())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
