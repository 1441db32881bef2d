package relay

import (
	"time"

	"github.com/dorklabs/dorkos/internal/dorkerr"
)

// Budget caps what one envelope (and its descendants) may consume. TTL is an
// absolute deadline in unix milliseconds.
type Budget struct {
	HopCount            int      `json:"hopCount"`
	MaxHops             int      `json:"maxHops"`
	AncestorChain       []string `json:"ancestorChain"`
	TTL                 int64    `json:"ttl"`
	CallBudgetRemaining int      `json:"callBudgetRemaining"`
}

// BudgetDefaults seed fresh budgets.
type BudgetDefaults struct {
	MaxHops    int
	TTL        time.Duration
	CallBudget int
}

// DefaultBudgets are applied when the config leaves them zero.
var DefaultBudgets = BudgetDefaults{
	MaxHops:    8,
	TTL:        300 * time.Second,
	CallBudget: 10,
}

// NewBudget creates a root budget from defaults.
func (d BudgetDefaults) NewBudget(now time.Time) Budget {
	return Budget{
		MaxHops:             d.MaxHops,
		TTL:                 now.Add(d.TTL).UnixMilli(),
		CallBudgetRemaining: d.CallBudget,
		AncestorChain:       []string{},
	}
}

// Derive builds the budget for a message causally derived from the envelope
// carrying b: one hop deeper, one call spent, parent appended to the chain.
func (b Budget) Derive(parentID string) Budget {
	chain := make([]string, 0, len(b.AncestorChain)+1)
	chain = append(chain, b.AncestorChain...)
	chain = append(chain, parentID)
	return Budget{
		HopCount:            b.HopCount + 1,
		MaxHops:             b.MaxHops,
		AncestorChain:       chain,
		TTL:                 b.TTL,
		CallBudgetRemaining: b.CallBudgetRemaining - 1,
	}
}

// Deadline returns the TTL as a time.
func (b Budget) Deadline() time.Time { return time.UnixMilli(b.TTL) }

// Expired reports whether the deadline has passed at now.
func (b Budget) Expired(now time.Time) bool { return !now.Before(b.Deadline()) }

// TTLRemaining returns the milliseconds left before the deadline (negative
// when expired).
func (b Budget) TTLRemaining(now time.Time) int64 {
	return b.TTL - now.UnixMilli()
}

// check rejects budgets that are spent, expired, or cyclic for messageID.
func (b Budget) check(messageID string, now time.Time) error {
	if b.HopCount > b.MaxHops {
		return dorkerr.Newf(dorkerr.CodeBudgetExceeded, "hop count %d exceeds max %d", b.HopCount, b.MaxHops)
	}
	if b.Expired(now) {
		return dorkerr.New(dorkerr.CodeBudgetExceeded, "envelope ttl expired")
	}
	if b.CallBudgetRemaining <= 0 {
		return dorkerr.New(dorkerr.CodeBudgetExceeded, "call budget exhausted")
	}
	for _, ancestor := range b.AncestorChain {
		if ancestor == messageID {
			return dorkerr.Newf(dorkerr.CodeCycleDetected, "message %s is its own ancestor", messageID)
		}
	}
	return nil
}
