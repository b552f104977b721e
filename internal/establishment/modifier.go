package establishment

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"

	"caseline/internal/domain"
)

// veteranLocks serializes modifier allocation per veteran so two concurrent
// establishments cannot pick the same slot. The lock is held across the
// external establish call; claims for other veterans proceed freely.
type veteranLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newVeteranLocks() *veteranLocks {
	return &veteranLocks{locks: map[string]*sync.Mutex{}}
}

func (v *veteranLocks) Lock(fileNumber string) func() {
	v.mu.Lock()
	l, ok := v.locks[fileNumber]
	if !ok {
		l = &sync.Mutex{}
		v.locks[fileNumber] = l
	}
	v.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// modifierFamily returns the candidate slots for a claim code. Slots share
// the code's leading family digit block: 040 claims draw from 040 upward,
// everything else from 030 upward.
func modifierFamily(code string, slots int) []string {
	base := 30
	if len(code) >= 3 && code[:3] == "040" {
		base = 40
	}
	out := make([]string, 0, slots)
	for i := 0; i < slots; i++ {
		out = append(out, "0"+strconv.Itoa(base+i))
	}
	return out
}

// nextModifier picks the lowest candidate not taken by another of the
// veteran's live claims. Both local establishments and the claims system's
// own listing count; canceled claims free their slot, pending and cleared
// claims keep theirs.
func (e *Engine) nextModifier(ctx context.Context, tx *sql.Tx, fileNumber, code string) (string, error) {
	taken, err := e.Repo.TakenModifiers(ctx, tx, fileNumber)
	if err != nil {
		return "", fmt.Errorf("scan taken modifiers: %w", err)
	}
	used := map[string]bool{}
	for _, m := range taken {
		used[m] = true
	}
	eps, err := e.Claims.ListEndProducts(ctx, fileNumber)
	if err != nil {
		return "", fmt.Errorf("list end products for %s: %w", fileNumber, err)
	}
	for _, ep := range eps {
		if ep.Status != domain.EPStatusCanceled && ep.Modifier != "" {
			used[ep.Modifier] = true
		}
	}
	for _, candidate := range modifierFamily(code, e.Config.Establishment.ModifierSlots) {
		if !used[candidate] {
			return candidate, nil
		}
	}
	return "", ErrNoAvailableModifiers
}
