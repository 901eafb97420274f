package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"govvoted/gateway"
)

// eventKey identifies a decodable event variant by the pair the schema
// registry is keyed on.
type eventKey struct {
	BlueprintName string
	EventName     string
}

// DecodeFunc turns one event's raw payload into an Action. A nil returned
// Action with a nil error means the event was recognized but carries no
// actionable change (e.g. acknowledged but inert).
type DecodeFunc func(payload []byte) (*Action, error)

// Registry maps (blueprintName, eventName) to a decode function. The zero
// value is usable; call Register to populate it, or use DefaultRegistry.
type Registry struct {
	decoders map[eventKey]DecodeFunc
}

// NewRegistry builds an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[eventKey]DecodeFunc)}
}

// Register binds a decode function to a (blueprintName, eventName) pair.
func (r *Registry) Register(blueprintName, eventName string, fn DecodeFunc) {
	r.decoders[eventKey{blueprintName, eventName}] = fn
}

func (r *Registry) lookup(blueprintName, eventName string) (DecodeFunc, bool) {
	fn, ok := r.decoders[eventKey{blueprintName, eventName}]
	return fn, ok
}

// Decoder filters and decodes a transaction's events into domain Actions.
type Decoder struct {
	componentAddress string
	childAddresses    map[string]struct{}
	registry          *Registry
}

// New builds a Decoder scoped to one governance component address. childKVS
// addresses are the component's owned key-value stores whose events should
// also be accepted (the component emits some events from child stores it
// owns rather than from the component itself).
func New(componentAddress string, childKVS []string, registry *Registry) *Decoder {
	children := make(map[string]struct{}, len(childKVS))
	for _, addr := range childKVS {
		children[addr] = struct{}{}
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Decoder{componentAddress: componentAddress, childAddresses: children, registry: registry}
}

// Result is the outcome of decoding one transaction's events.
type Result struct {
	Actions        []Action
	UnknownCount   int
}

// Decode filters tx.Events to those emitted by the configured governance
// component (or a child key-value store it owns), decodes each recognized
// event in order, and reports how many events were filtered out as unknown
// variants.
func (d *Decoder) Decode(tx gateway.Transaction) (Result, error) {
	var result Result
	for _, ev := range tx.Events {
		if !d.emittedByComponent(ev.EmitterAddress) {
			continue
		}
		fn, ok := d.registry.lookup(ev.BlueprintName, ev.EventName)
		if !ok {
			result.UnknownCount++
			continue
		}
		action, err := fn(ev.Payload)
		if err != nil {
			return result, fmt.Errorf("events: decode %s.%s: %w", ev.BlueprintName, ev.EventName, err)
		}
		if action == nil {
			continue
		}
		result.Actions = append(result.Actions, *action)
	}
	return result, nil
}

func (d *Decoder) emittedByComponent(emitter string) bool {
	if strings.EqualFold(emitter, d.componentAddress) {
		return true
	}
	_, ok := d.childAddresses[emitter]
	return ok
}

// DefaultRegistry returns a Registry wired with the governance component's
// recognized event variants, decoding payloads as JSON. The gateway's wire
// codec for event payloads is outside the core's scope; JSON is this
// registry's transport so the decoder and its tests stay independent of any
// particular binary encoding.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register("GovernanceComponent", "ProposalCreatedEvent", func(payload []byte) (*Action, error) {
		var ev ProposalCreated
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return &Action{Kind: ActionProposalCreated, ProposalCreated: &ev}, nil
	})

	r.Register("GovernanceComponent", "TemperatureCheckCreatedEvent", func(payload []byte) (*Action, error) {
		var ev TemperatureCheckCreated
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return &Action{Kind: ActionTemperatureCheckCreated, TemperatureCheckCreated: &ev}, nil
	})

	r.Register("GovernanceComponent", "VoteCastEvent", func(payload []byte) (*Action, error) {
		var ev VoteCast
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return &Action{Kind: ActionVoteCast, VoteCast: &ev}, nil
	})

	r.Register("GovernanceComponent", "VoteRevokedEvent", func(payload []byte) (*Action, error) {
		var ev VoteRevoked
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return &Action{Kind: ActionVoteRevoked, VoteRevoked: &ev}, nil
	})

	r.Register("GovernanceComponent", "VoteChangedEvent", func(payload []byte) (*Action, error) {
		var ev VoteChanged
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return &Action{Kind: ActionVoteChanged, VoteChanged: &ev}, nil
	})

	r.Register("GovernanceComponent", "HiddenToggledEvent", func(payload []byte) (*Action, error) {
		var ev HiddenToggled
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return &Action{Kind: ActionHiddenToggled, HiddenToggled: &ev}, nil
	})

	r.Register("GovernanceComponent", "ParametersChangedEvent", func(payload []byte) (*Action, error) {
		var ev ParametersChanged
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return &Action{Kind: ActionParametersChanged, ParametersChanged: &ev}, nil
	})

	r.Register("GovernanceComponent", "ProposalPromotedEvent", func(payload []byte) (*Action, error) {
		var ev ProposalPromoted
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return &Action{Kind: ActionProposalPromoted, ProposalPromoted: &ev}, nil
	})

	return r
}
