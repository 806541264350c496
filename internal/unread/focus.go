package unread

import (
	"context"
	"sync"
)

// FocusState is an Attention the host flips on focus and blur events.
type FocusState struct {
	mu      sync.Mutex
	focused bool
	store   *Store
}

func NewFocusState(focused bool) *FocusState {
	return &FocusState{focused: focused}
}

func (f *FocusState) Focused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused
}

// Bind forwards focus changes to store.
func (f *FocusState) Bind(store *Store) {
	f.mu.Lock()
	f.store = store
	f.mu.Unlock()
}

func (f *FocusState) SetFocused(ctx context.Context, focused bool) error {
	f.mu.Lock()
	changed := f.focused != focused
	f.focused = focused
	store := f.store
	f.mu.Unlock()
	if !changed || store == nil {
		return nil
	}
	return store.HandleFocus(ctx, focused)
}
