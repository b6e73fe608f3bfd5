package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/next-trace/scg-saga-bus/contract/bus"
)

const (
	DefaultTimeout   = 5 * time.Minute
	DefaultRetention = 72 * time.Hour
)

// Step is one downstream action of a saga, observed through the events the owning
// service publishes.
type Step struct {
	Name string
	// Succeeded advances the saga.
	Succeeded bus.EventType
	// Failed starts compensation.
	Failed []bus.EventType
	// Compensation is emitted to undo the step. Empty means nothing to undo.
	Compensation bus.EventType
	// Compensated acknowledges the compensation. Empty means the compensation counts
	// as acknowledged once it is published.
	Compensated bus.EventType
}

// PayloadFunc builds the payload of an event the coordinator emits.
type PayloadFunc func(t bus.EventType, inst *Instance) (any, error)

// Definition describes one saga type.
type Definition struct {
	Name    string
	Trigger bus.EventType
	Steps   []Step

	// Cancel is the event Coordinator.Cancel publishes; optional.
	Cancel bus.EventType
	// Completed and Failed are published when the saga finishes; optional.
	Completed bus.EventType
	Failed    bus.EventType

	// Timeout bounds the time a saga may stay in STARTED or STEP_COMPLETED without progress.
	Timeout time.Duration
	// Retention keeps terminal sagas this long before archival.
	Retention time.Duration

	// Payload defaults to the trigger payload.
	Payload PayloadFunc
}

// Validate checks the definition and that every event type has one meaning.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("saga name is required")
	}
	if d.Trigger == "" {
		return fmt.Errorf("saga %s: trigger event type is required", d.Name)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s: at least one step is required", d.Name)
	}

	seen := map[bus.EventType]string{d.Trigger: "trigger"}
	claim := func(t bus.EventType, role string) error {
		if t == "" {
			return nil
		}
		if prev, ok := seen[t]; ok {
			return fmt.Errorf("saga %s: event type %s used as %s and %s", d.Name, t, prev, role)
		}
		seen[t] = role
		return nil
	}

	names := make(map[string]struct{}, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("saga %s: step %d: name is required", d.Name, i)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("saga %s: duplicate step %s", d.Name, s.Name)
		}
		names[s.Name] = struct{}{}

		if s.Succeeded == "" {
			return fmt.Errorf("saga %s: step %s: succeeded event type is required", d.Name, s.Name)
		}
		if s.Compensated != "" && s.Compensation == "" {
			return fmt.Errorf("saga %s: step %s: compensated event without compensation", d.Name, s.Name)
		}
		if err := claim(s.Succeeded, s.Name+" success"); err != nil {
			return err
		}
		for _, f := range s.Failed {
			if err := claim(f, s.Name+" failure"); err != nil {
				return err
			}
		}
		if err := claim(s.Compensated, s.Name+" compensated"); err != nil {
			return err
		}
	}

	return claim(d.Cancel, "cancel")
}

func (d *Definition) withDefaults() *Definition {
	c := *d
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return &c
}

// Subscriptions lists every event type the saga reacts to.
func (d *Definition) Subscriptions() []bus.EventType {
	types := []bus.EventType{d.Trigger}
	for _, s := range d.Steps {
		types = append(types, s.Succeeded)
		types = append(types, s.Failed...)
		if s.Compensated != "" {
			types = append(types, s.Compensated)
		}
	}
	if d.Cancel != "" {
		types = append(types, d.Cancel)
	}
	return types
}

func (d *Definition) step(name string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

type eventRole int

const (
	roleNone eventRole = iota
	roleTrigger
	roleSucceeded
	roleFailed
	roleCompensated
	roleCancel
)

// classify maps an event type to its role and, for step events, the step.
func (d *Definition) classify(t bus.EventType) (eventRole, Step) {
	if t == d.Trigger {
		return roleTrigger, Step{}
	}
	if d.Cancel != "" && t == d.Cancel {
		return roleCancel, Step{}
	}
	for _, s := range d.Steps {
		switch {
		case t == s.Succeeded:
			return roleSucceeded, s
		case s.Compensated != "" && t == s.Compensated:
			return roleCompensated, s
		}
		for _, f := range s.Failed {
			if t == f {
				return roleFailed, s
			}
		}
	}
	return roleNone, Step{}
}
