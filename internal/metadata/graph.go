package metadata

import (
	"encoding/json"
	"reflect"
)

// Graph is one version of a workflow's page/block tree. Graphs are immutable
// snapshots: authoring builds a new graph, publishing freezes it into a
// version row. The engine never mutates a graph in place.
type Graph struct {
	Pages []Page `json:"pages"`
}

// Page is an ordered group of blocks with optional conditional visibility.
type Page struct {
	ID        string  `json:"id"`
	Title     string  `json:"title,omitempty"`
	VisibleIf *Tree   `json:"visibleIf,omitempty"`
	Blocks    []Block `json:"blocks"`
}

// Block is a single form element. ID is the stable identity used for
// diffing between versions; every other field participates in the
// modification check. Fields the backend does not model (renderer hints,
// layout options) are captured in Extra so authored JSON round-trips
// without loss.
type Block struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Title        string   `json:"title,omitempty"`
	VariableName string   `json:"variableName,omitempty"`
	Required     bool     `json:"required,omitempty"`
	Placeholder  string   `json:"placeholder,omitempty"`
	HelpText     string   `json:"helpText,omitempty"`
	Options      []string `json:"options,omitempty"`
	VisibleIf    *Tree    `json:"visibleIf,omitempty"`

	Extra map[string]any `json:"-"`
}

var knownBlockKeys = map[string]bool{
	"id":           true,
	"type":         true,
	"title":        true,
	"variableName": true,
	"required":     true,
	"placeholder":  true,
	"helpText":     true,
	"options":      true,
	"visibleIf":    true,
}

func (b *Block) UnmarshalJSON(data []byte) error {
	type blockAlias Block
	var a blockAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for key, raw := range all {
		if knownBlockKeys[key] {
			continue
		}
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return err
		}
		if a.Extra == nil {
			a.Extra = map[string]any{}
		}
		a.Extra[key] = val
	}

	*b = Block(a)
	return nil
}

func (b Block) MarshalJSON() ([]byte, error) {
	type blockAlias Block
	base, err := json.Marshal(blockAlias(b))
	if err != nil {
		return nil, err
	}
	if len(b.Extra) == 0 {
		return base, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, val := range b.Extra {
		if _, exists := merged[key]; !exists {
			merged[key] = val
		}
	}
	return json.Marshal(merged)
}

// PlacedBlock is a block paired with the page it lives on.
type PlacedBlock struct {
	Block  Block
	PageID string
}

// Flatten returns every block in the graph in page order then block order.
func (g *Graph) Flatten() []PlacedBlock {
	var out []PlacedBlock
	for _, page := range g.Pages {
		for _, block := range page.Blocks {
			out = append(out, PlacedBlock{Block: block, PageID: page.ID})
		}
	}
	return out
}

// FindBlock returns the block with the given id, or nil.
func (g *Graph) FindBlock(id string) *Block {
	for pi := range g.Pages {
		for bi := range g.Pages[pi].Blocks {
			if g.Pages[pi].Blocks[bi].ID == id {
				return &g.Pages[pi].Blocks[bi]
			}
		}
	}
	return nil
}

// BlocksEqual compares two blocks structurally across all fields, declared
// and extra. Comparison goes through the JSON form so a block that has been
// through a stringify/parse cycle compares equal to its origin.
func BlocksEqual(a, b Block) bool {
	am, err := blockValueMap(a)
	if err != nil {
		return false
	}
	bm, err := blockValueMap(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(am, bm)
}

func blockValueMap(b Block) (map[string]any, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseGraph decodes a persisted graph snapshot.
func ParseGraph(raw []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
