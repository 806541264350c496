package conversation

import (
	"sort"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/protocol"
)

// Merge returns existing plus every incoming message whose id is not already
// present, sorted by createdAt with ties broken by id.
func Merge(existing, incoming []protocol.Message) []protocol.Message {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]protocol.Message, 0, len(existing)+len(incoming))
	for _, batch := range [][]protocol.Message{existing, incoming} {
		for _, m := range batch {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ScrollAnchor remembers the viewport before older messages are prepended.
type ScrollAnchor struct {
	Height float64
	Top    float64
}

// Restore returns the scroll offset that keeps the same content in view once
// the scrollable height has grown to newHeight.
func (a ScrollAnchor) Restore(newHeight float64) float64 {
	top := a.Top + (newHeight - a.Height)
	if top < 0 {
		return 0
	}
	return top
}
