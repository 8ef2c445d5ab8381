// Package dialog runs the linear field-gathering conversations that precede
// order and offer creation. State is one record per (user, purpose): a step
// index plus the fields collected so far. There are no suspended call
// frames; restarting a dialog replaces whatever was in progress.
package dialog

import (
	"context"
	"fmt"
	"strconv"
)

type Purpose string

const (
	OrderIntake Purpose = "order_intake"
	OfferIntake Purpose = "offer_intake"
)

// Field keys stored during intake.
const (
	FieldFrom    = "from_address"
	FieldTo      = "to_address"
	FieldComment = "comment"
	FieldLuggage = "luggage"
	FieldChild   = "child"

	FieldOrderID  = "order_id" // seeded when a driver taps submit-offer
	FieldCarModel = "car_model"
	FieldPrice    = "price"
)

// Canonical inputs for boolean and confirm steps; the bots map button
// presses onto these.
const (
	InputYes = "yes"
	InputNo  = "no"
)

type State struct {
	Purpose Purpose           `json:"purpose"`
	Step    int               `json:"step"`
	Fields  map[string]string `json:"fields"`
}

// StateStore persists dialog state per (user, purpose). Get returns nil
// without error when no dialog is in progress.
type StateStore interface {
	Get(ctx context.Context, userID int64, p Purpose) (*State, error)
	Put(ctx context.Context, userID int64, p Purpose, s *State) error
	Delete(ctx context.Context, userID int64, p Purpose) error
}

type step struct {
	field    string
	validate func(string) bool
}

func yesNoStep(field string) step {
	return step{field: field, validate: func(v string) bool { return v == InputYes || v == InputNo }}
}

var stepsByPurpose = map[Purpose][]step{
	OrderIntake: {
		{field: FieldFrom},
		{field: FieldTo},
		{field: FieldComment},
		yesNoStep(FieldLuggage),
		yesNoStep(FieldChild),
		yesNoStep(""), // confirm; stores nothing
	},
	OfferIntake: {
		{field: FieldCarModel},
		{field: FieldPrice, validate: validPrice},
	},
}

func validPrice(v string) bool {
	n, err := strconv.Atoi(v)
	return err == nil && n > 0
}

type Status int

const (
	// Advanced: input stored, dialog moved to the next step.
	Advanced Status = iota
	// Invalid: input failed validation; the step did not advance.
	Invalid
	// Done: final step completed; Fields holds the full set.
	Done
	// Canceled: the user declined at the confirm step; fields discarded.
	Canceled
)

type Outcome struct {
	Status Status
	Step   int // current step after the call (prompt to show next)
	Fields map[string]string
}

type Collector struct {
	States StateStore
}

// Start begins (or restarts) a dialog. An in-progress dialog of the same
// purpose is silently replaced: last start wins.
func (c *Collector) Start(ctx context.Context, userID int64, p Purpose, seed map[string]string) error {
	if _, ok := stepsByPurpose[p]; !ok {
		return fmt.Errorf("unknown dialog purpose %q", p)
	}
	fields := make(map[string]string, len(seed))
	for k, v := range seed {
		fields[k] = v
	}
	return c.States.Put(ctx, userID, p, &State{Purpose: p, Step: 0, Fields: fields})
}

// Active returns the in-progress state, or nil when none.
func (c *Collector) Active(ctx context.Context, userID int64, p Purpose) (*State, error) {
	return c.States.Get(ctx, userID, p)
}

// Cancel drops an in-progress dialog regardless of step.
func (c *Collector) Cancel(ctx context.Context, userID int64, p Purpose) error {
	return c.States.Delete(ctx, userID, p)
}

// Advance feeds one input into the dialog. The caller must only invoke it
// while a dialog is active.
func (c *Collector) Advance(ctx context.Context, userID int64, p Purpose, input string) (Outcome, error) {
	st, err := c.States.Get(ctx, userID, p)
	if err != nil {
		return Outcome{}, err
	}
	if st == nil {
		return Outcome{}, fmt.Errorf("no active %s dialog for user %d", p, userID)
	}
	steps := stepsByPurpose[p]
	if st.Step < 0 || st.Step >= len(steps) {
		// Corrupt state; drop it rather than loop forever.
		_ = c.States.Delete(ctx, userID, p)
		return Outcome{}, fmt.Errorf("dialog state out of range: step %d", st.Step)
	}
	cur := steps[st.Step]

	if cur.validate != nil && !cur.validate(input) {
		return Outcome{Status: Invalid, Step: st.Step, Fields: st.Fields}, nil
	}

	last := st.Step == len(steps)-1
	confirm := p == OrderIntake && last
	if confirm && input == InputNo {
		if err := c.States.Delete(ctx, userID, p); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: Canceled}, nil
	}
	if cur.field != "" {
		if st.Fields == nil {
			st.Fields = map[string]string{}
		}
		st.Fields[cur.field] = input
	}

	if last {
		if err := c.States.Delete(ctx, userID, p); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: Done, Fields: st.Fields}, nil
	}

	st.Step++
	if err := c.States.Put(ctx, userID, p, st); err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: Advanced, Step: st.Step, Fields: st.Fields}, nil
}
