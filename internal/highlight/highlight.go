// Package highlight computes transient "who just edited this" annotations by
// structurally diffing two snapshots of the rendered content tree. A
// highlight is attributed to the first user in the currently-known active
// editor set, which is a deliberate approximation: deltas are not tagged with
// authorship at this layer, so the true author may differ when several users
// edit the same node in the same window.
package highlight

import (
	"strings"
	"time"
)

// DefaultDecay is how long an annotation stays visible.
const DefaultDecay = 3 * time.Second

// Span is a run of text with uniform formatting marks.
type Span struct {
	Text  string
	Marks []string
}

// Block is one text-bearing node of the rendered content tree.
type Block struct {
	Type  string // "paragraph", "heading", "list_item", ...
	Spans []Span
}

// Tree is the serialized rich-text content at one point in time.
type Tree struct {
	Blocks []Block
}

// Text returns the concatenated text of a block.
func (b Block) Text() string {
	var sb strings.Builder
	for _, s := range b.Spans {
		sb.WriteString(s.Text)
	}
	return sb.String()
}

// TreeFromText parses a plain-text document into a tree of paragraph blocks,
// one per line. This is the bridge from the replicated document's serialized
// content to the diffable tree form.
func TreeFromText(text string) *Tree {
	if text == "" {
		return &Tree{}
	}
	lines := strings.Split(text, "\n")
	blocks := make([]Block, len(lines))
	for i, line := range lines {
		blocks[i] = Block{Type: "paragraph", Spans: []Span{{Text: line}}}
	}
	return &Tree{Blocks: blocks}
}

// Attribution identifies an active editor a highlight can be pinned to.
type Attribution struct {
	UserID string
	Color  string
}

// Annotation marks one changed block, attributed to an editor, until it
// decays.
type Annotation struct {
	UserID     string
	Color      string
	BlockIndex int
	Text       string // the changed block's new text
	CreatedAt  time.Time
}

// Compute diffs the previous and next content trees node by node and annotates
// every changed text-bearing node. An empty previous tree is the initial load, not
// an edit, and yields nothing; so does an empty editor set.
func Compute(prev, next *Tree, editors []Attribution, now time.Time) []Annotation {
	if prev == nil || len(prev.Blocks) == 0 {
		return nil
	}
	if next == nil || len(editors) == 0 {
		return nil
	}

	author := editors[0]
	var out []Annotation
	for i, b := range next.Blocks {
		if i < len(prev.Blocks) && !blockChanged(prev.Blocks[i], b) {
			continue
		}
		out = append(out, Annotation{
			UserID:     author.UserID,
			Color:      author.Color,
			BlockIndex: i,
			Text:       b.Text(),
			CreatedAt:  now,
		})
	}
	return out
}

// blockChanged recurses into spans: a block changed if its type, span count,
// or any span's text or marks differ.
func blockChanged(prev, next Block) bool {
	if prev.Type != next.Type || len(prev.Spans) != len(next.Spans) {
		return true
	}
	for i := range next.Spans {
		if prev.Spans[i].Text != next.Spans[i].Text {
			return true
		}
		if len(prev.Spans[i].Marks) != len(next.Spans[i].Marks) {
			return true
		}
		for j := range next.Spans[i].Marks {
			if prev.Spans[i].Marks[j] != next.Spans[i].Marks[j] {
				return true
			}
		}
	}
	return false
}

// Active filters annotations to those still inside the decay window. Expired
// annotations are indistinguishable from unannotated content and can be
// discarded by the caller.
func Active(annotations []Annotation, now time.Time, decay time.Duration) []Annotation {
	if decay <= 0 {
		decay = DefaultDecay
	}
	var out []Annotation
	for _, a := range annotations {
		if now.Sub(a.CreatedAt) < decay {
			out = append(out, a)
		}
	}
	return out
}
