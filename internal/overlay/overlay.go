// Package overlay projects remote cursor positions into renderable
// decorations. It is a pure function of the cursor set and the current
// document length, so any UI layer can consume its output.
package overlay

import "sort"

// Cursor is one remote user's last-broadcast caret position.
type Cursor struct {
	UserID string
	Offset int
	Color  string
	Label  string
}

// Decoration is a positioned caret marker for the UI to draw.
type Decoration struct {
	Offset int
	Color  string
	Label  string
}

// Render turns cursors into decorations clipped to [0, docLen]. A cursor
// pointing outside the document (a concurrent deletion shrank it) is dropped,
// not clamped; it reappears when the owner's next broadcast carries a valid
// offset. No position transformation across concurrent edits happens here:
// the sender's last-broadcast offset is trusted as-is.
//
// Output order is deterministic (offset, then label) so successive render
// cycles with the same inputs produce identical decoration lists.
func Render(cursors []Cursor, docLen int) []Decoration {
	if docLen < 0 {
		return nil
	}

	out := make([]Decoration, 0, len(cursors))
	for _, c := range cursors {
		if c.Offset < 0 || c.Offset > docLen {
			continue
		}
		out = append(out, Decoration{Offset: c.Offset, Color: c.Color, Label: c.Label})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Offset != out[j].Offset {
			return out[i].Offset < out[j].Offset
		}
		return out[i].Label < out[j].Label
	})
	return out
}
