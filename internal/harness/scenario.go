package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/sandbox"
)

// Scenario is a scripted run of the marketplace against a sandbox world.
type Scenario struct {
	// Name uniquely identifies this scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// OrderTTL overrides how long orders stay open (e.g. "1h").
	OrderTTL string `yaml:"order_ttl,omitempty"`

	// MaxOrdersPerPlacer overrides the per-placer limit; 0 keeps the default.
	MaxOrdersPerPlacer int `yaml:"max_orders_per_placer,omitempty"`

	// Actors seeds the sandbox world.
	Actors map[string]ActorSetup `yaml:"actors"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Final is checked once every step has run.
	Final *FinalExpect `yaml:"final,omitempty"`
}

// ActorSetup is the starting state of one sandbox account.
type ActorSetup struct {
	Balance  string      `yaml:"balance,omitempty"`
	Offline  bool        `yaml:"offline,omitempty"`
	Capacity int         `yaml:"capacity,omitempty"`
	Items    []BatchSpec `yaml:"items,omitempty"`
}

// ItemSpec describes a good.
type ItemSpec struct {
	Type string            `yaml:"type"`
	Meta map[string]string `yaml:"meta,omitempty"`
}

// Item converts the descriptor to a market item.
func (s ItemSpec) Item() market.Item {
	return market.Item{Type: s.Type, Meta: s.Meta}
}

// BatchSpec is a quantity of one good.
type BatchSpec struct {
	Type     string            `yaml:"type"`
	Meta     map[string]string `yaml:"meta,omitempty"`
	Quantity int               `yaml:"quantity"`
}

// Batch converts the descriptor to a market batch.
func (s BatchSpec) Batch() market.Batch {
	return market.Batch{Item: market.Item{Type: s.Type, Meta: s.Meta}, Quantity: s.Quantity}
}

// Step is one action. Exactly one action field is set.
type Step struct {
	Place      *PlaceStep    `yaml:"place,omitempty"`
	Deliver    *DeliverStep  `yaml:"deliver,omitempty"`
	Cancel     *CancelStep   `yaml:"cancel,omitempty"`
	Claim      *OrderStep    `yaml:"claim,omitempty"`
	Remove     *OrderStep    `yaml:"remove,omitempty"`
	Advance    string        `yaml:"advance,omitempty"`
	Sweep      bool          `yaml:"sweep,omitempty"`
	Flush      *FlushStep    `yaml:"flush,omitempty"`
	Presence   *PresenceStep `yaml:"presence,omitempty"`
	Fault      *FaultStep    `yaml:"fault,omitempty"`
	StoreFault *StoreFault   `yaml:"store_fault,omitempty"`
	Concurrent []Step        `yaml:"concurrent,omitempty"`

	// Expect checks the step's outcome. Nil expects success.
	Expect *StepExpect `yaml:"expect,omitempty"`
}

// PlaceStep places a buy order and labels it for later steps.
type PlaceStep struct {
	Placer   string   `yaml:"placer"`
	As       string   `yaml:"as"`
	Item     ItemSpec `yaml:"item"`
	Quantity int      `yaml:"quantity"`
	Price    string   `yaml:"price"`
}

// DeliverStep hands goods to an order.
type DeliverStep struct {
	Filler   string `yaml:"filler"`
	Order    string `yaml:"order"`
	Quantity int    `yaml:"quantity"`
}

// CancelStep cancels an order. The toggles default to true.
type CancelStep struct {
	Actor       string `yaml:"actor"`
	Admin       bool   `yaml:"admin,omitempty"`
	Order       string `yaml:"order"`
	RefundMoney *bool  `yaml:"refund_money,omitempty"`
	ReturnItems *bool  `yaml:"return_items,omitempty"`
}

// Options resolves the toggles.
func (c CancelStep) Options() (refund, items bool) {
	refund, items = true, true
	if c.RefundMoney != nil {
		refund = *c.RefundMoney
	}
	if c.ReturnItems != nil {
		items = *c.ReturnItems
	}
	return refund, items
}

// OrderStep acts on an order as an actor (claim, remove).
type OrderStep struct {
	Actor string `yaml:"actor"`
	Admin bool   `yaml:"admin,omitempty"`
	Order string `yaml:"order"`
}

// FlushStep delivers queued settlements. An empty actor flushes everyone.
type FlushStep struct {
	Actor string `yaml:"actor,omitempty"`
}

// PresenceStep takes an actor on or offline.
type PresenceStep struct {
	Actor  string `yaml:"actor"`
	Online bool   `yaml:"online"`
}

// FaultStep injects sandbox failures: Times 0 fails once, a negative Times
// fails forever. Clear removes every injected fault.
type FaultStep struct {
	Op    string `yaml:"op,omitempty"`
	Actor string `yaml:"actor,omitempty"`
	Times int    `yaml:"times,omitempty"`
	Clear bool   `yaml:"clear,omitempty"`
}

// StoreFault makes one store write fail until cleared.
type StoreFault struct {
	Op    string `yaml:"op"`
	Clear bool   `yaml:"clear,omitempty"`
}

// Store write names a StoreFault can target.
const (
	StoreCreate = "create"
	StoreAppend = "append"
	StoreFinal  = "final"
	StoreDrain  = "drain"
)

// StepExpect is the expected outcome of a step. Unset fields are not
// checked.
type StepExpect struct {
	// Code is OK or an error code (VALIDATION, UNAVAILABLE,
	// PARTIAL_FAILURE, DESYNC).
	Code     string `yaml:"code,omitempty"`
	Error    string `yaml:"error,omitempty"`
	Quantity *int   `yaml:"quantity,omitempty"`
	Paid     string `yaml:"paid,omitempty"`
	Status   string `yaml:"status,omitempty"`
	Refund   string `yaml:"refund,omitempty"`
	Route    string `yaml:"route,omitempty"`
	Deleted  *bool  `yaml:"deleted,omitempty"`
	Settled  *int   `yaml:"settled,omitempty"`

	// Outcomes counts the codes of a concurrent step's branches.
	Outcomes map[string]int `yaml:"outcomes,omitempty"`
}

// FinalExpect is checked against the world and store after the last step.
type FinalExpect struct {
	Balances map[string]string         `yaml:"balances,omitempty"`
	Held     map[string]map[string]int `yaml:"held,omitempty"`
	Orders   map[string]OrderExpect    `yaml:"orders,omitempty"`
	Pending  map[string]PendingExpect  `yaml:"pending,omitempty"`
	Audit    map[string]int            `yaml:"audit,omitempty"`
}

// OrderExpect is the expected final state of a labelled order.
type OrderExpect struct {
	Status    string `yaml:"status,omitempty"`
	Delivered *int   `yaml:"delivered,omitempty"`
	Escrowed  string `yaml:"escrowed,omitempty"`
	Vault     *int   `yaml:"vault,omitempty"`
	Deleted   bool   `yaml:"deleted,omitempty"`
}

// PendingExpect is the expected queued settlement of an actor.
type PendingExpect struct {
	Amount   string `yaml:"amount,omitempty"`
	Quantity int    `yaml:"quantity,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if s.OrderTTL != "" {
		if d, err := time.ParseDuration(s.OrderTTL); err != nil || d <= 0 {
			return fmt.Errorf("order_ttl %q must be a positive duration", s.OrderTTL)
		}
	}
	for id, a := range s.Actors {
		if a.Balance != "" {
			if _, err := decimal.NewFromString(a.Balance); err != nil {
				return fmt.Errorf("actor %s: balance: %w", id, err)
			}
		}
		if a.Capacity < 0 {
			return fmt.Errorf("actor %s: capacity must not be negative", id)
		}
		for _, b := range a.Items {
			if b.Quantity <= 0 {
				return fmt.Errorf("actor %s: item %s: quantity must be positive", id, b.Type)
			}
			if err := b.Batch().Item.Validate(); err != nil {
				return fmt.Errorf("actor %s: %w", id, err)
			}
		}
	}

	labels := make(map[string]bool)
	for i := range s.Steps {
		if err := validateStep(&s.Steps[i], labels, false); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	if s.Final != nil {
		for label := range s.Final.Orders {
			if !labels[label] {
				return fmt.Errorf("final: unknown order %q", label)
			}
		}
	}
	return nil
}

func validateStep(st *Step, labels map[string]bool, nested bool) error {
	set := 0
	count := func(ok bool) {
		if ok {
			set++
		}
	}
	count(st.Place != nil)
	count(st.Deliver != nil)
	count(st.Cancel != nil)
	count(st.Claim != nil)
	count(st.Remove != nil)
	count(st.Advance != "")
	count(st.Sweep)
	count(st.Flush != nil)
	count(st.Presence != nil)
	count(st.Fault != nil)
	count(st.StoreFault != nil)
	count(len(st.Concurrent) > 0)
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}

	order := func(label string) error {
		if !labels[label] {
			return fmt.Errorf("unknown order %q", label)
		}
		return nil
	}
	switch {
	case st.Place != nil:
		if st.Place.As == "" {
			return errors.New("place: as is required")
		}
		if labels[st.Place.As] {
			return fmt.Errorf("place: order %q already defined", st.Place.As)
		}
		if _, err := decimal.NewFromString(st.Place.Price); err != nil {
			return fmt.Errorf("place: price: %w", err)
		}
		labels[st.Place.As] = true
	case st.Deliver != nil:
		return order(st.Deliver.Order)
	case st.Cancel != nil:
		return order(st.Cancel.Order)
	case st.Claim != nil:
		return order(st.Claim.Order)
	case st.Remove != nil:
		return order(st.Remove.Order)
	case st.Advance != "":
		if _, err := time.ParseDuration(st.Advance); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	case st.Fault != nil:
		if st.Fault.Clear {
			return nil
		}
		if _, err := sandbox.ParseOp(st.Fault.Op); err != nil {
			return fmt.Errorf("fault: %w", err)
		}
	case st.StoreFault != nil:
		switch st.StoreFault.Op {
		case StoreCreate, StoreAppend, StoreFinal, StoreDrain:
		default:
			return fmt.Errorf("store_fault: unknown op %q", st.StoreFault.Op)
		}
	case len(st.Concurrent) > 0:
		if nested {
			return errors.New("concurrent steps cannot be nested")
		}
		for i := range st.Concurrent {
			branch := &st.Concurrent[i]
			if branch.Place != nil {
				return fmt.Errorf("branch %d: place is not allowed in a concurrent step", i+1)
			}
			if branch.Expect != nil {
				return fmt.Errorf("branch %d: expect outcomes on the concurrent step instead", i+1)
			}
			if err := validateStep(branch, labels, true); err != nil {
				return fmt.Errorf("branch %d: %w", i+1, err)
			}
		}
	}
	return nil
}
