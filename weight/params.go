package weight

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParametersFromRaw derives a Parameters value from a ParametersChangedEvent's
// Raw map[string]string payload. Raw is a flat string map (the event's wire
// schema), so a variable-length resource->weight table is carried under a
// single key as a nested JSON object rather than as multiple top-level keys.
// Recognized keys:
//
//   - "stakeWeight"      decimal string, Parameters.StakeWeight
//   - "badgeWeight"      decimal string, Parameters.BadgeWeight
//   - "badgeResource"    resource address string, Parameters.BadgeResource
//   - "votingResources"  JSON object of resourceAddress -> per-unit weight
//     decimal string, e.g. {"resource_rdx1...":"1.5"}
//
// Any key absent from raw leaves the corresponding field at its zero value,
// matching loadParameters' previous all-zero behavior for a deployment that
// has not yet observed a ParametersChangedEvent.
func ParametersFromRaw(raw map[string]string) (Parameters, error) {
	var p Parameters

	if s, ok := raw["stakeWeight"]; ok {
		w, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return Parameters{}, fmt.Errorf("weight: parse stakeWeight %q: %w", s, err)
		}
		p.StakeWeight = w
	}
	if s, ok := raw["badgeWeight"]; ok {
		w, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return Parameters{}, fmt.Errorf("weight: parse badgeWeight %q: %w", s, err)
		}
		p.BadgeWeight = w
	}
	p.BadgeResource = raw["badgeResource"]

	if s, ok := raw["votingResources"]; ok && s != "" {
		var encoded map[string]string
		if err := json.Unmarshal([]byte(s), &encoded); err != nil {
			return Parameters{}, fmt.Errorf("weight: parse votingResources: %w", err)
		}
		resources := make(map[string]decimal.Decimal, len(encoded))
		for resource, weightStr := range encoded {
			w, err := decimal.NewFromString(strings.TrimSpace(weightStr))
			if err != nil {
				return Parameters{}, fmt.Errorf("weight: parse votingResources[%q]: %w", resource, err)
			}
			resources[resource] = w
		}
		p.VotingResources = resources
	}

	return p, nil
}
