package conflict

import (
	"encoding/json"
	"fmt"

	"github.com/clipstack/clipstack/internal/sync/change"
)

// MergeFunc combines the server's and the client's payload snapshots into a
// single payload. Both inputs are JSON objects; the result must be too.
type MergeFunc func(server, client json.RawMessage) (json.RawMessage, error)

// defaultMergeFuncs builds the per-entity-type merge strategy table.
//
// All strategies start from the server payload and overlay client fields.
// Templates additionally merge their variable maps key-wise, and sets and
// folders union their membership arrays, so that concurrent additions from
// two devices both survive.
func defaultMergeFuncs() map[change.EntityType]MergeFunc {
	return map[change.EntityType]MergeFunc{
		change.EntityClip:     overlayMerge,
		change.EntityTag:      overlayMerge,
		change.EntityFolder:   unionMerge("children"),
		change.EntitySet:      unionMerge("items"),
		change.EntityTemplate: templateMerge,
	}
}

// overlayMerge takes the server object as the base and overlays every
// top-level client field.
func overlayMerge(server, client json.RawMessage) (json.RawMessage, error) {
	base, err := decodeObject(server)
	if err != nil {
		return nil, fmt.Errorf("server payload: %w", err)
	}
	overlay, err := decodeObject(client)
	if err != nil {
		return nil, fmt.Errorf("client payload: %w", err)
	}
	for k, v := range overlay {
		base[k] = v
	}
	return json.Marshal(base)
}

// unionMerge overlays client fields like overlayMerge, but the named array
// field becomes the deduplicated union of both sides.
func unionMerge(field string) MergeFunc {
	return func(server, client json.RawMessage) (json.RawMessage, error) {
		base, err := decodeObject(server)
		if err != nil {
			return nil, fmt.Errorf("server payload: %w", err)
		}
		overlay, err := decodeObject(client)
		if err != nil {
			return nil, fmt.Errorf("client payload: %w", err)
		}

		serverItems := stringSlice(base[field])
		clientItems := stringSlice(overlay[field])

		for k, v := range overlay {
			base[k] = v
		}

		seen := make(map[string]bool, len(serverItems)+len(clientItems))
		union := make([]string, 0, len(serverItems)+len(clientItems))
		for _, item := range append(serverItems, clientItems...) {
			if seen[item] {
				continue
			}
			seen[item] = true
			union = append(union, item)
		}
		base[field] = union

		return json.Marshal(base)
	}
}

// templateMerge overlays client fields and merges the "variables" map
// key-wise, client winning per key.
func templateMerge(server, client json.RawMessage) (json.RawMessage, error) {
	base, err := decodeObject(server)
	if err != nil {
		return nil, fmt.Errorf("server payload: %w", err)
	}
	overlay, err := decodeObject(client)
	if err != nil {
		return nil, fmt.Errorf("client payload: %w", err)
	}

	serverVars := objectField(base, "variables")
	clientVars := objectField(overlay, "variables")

	for k, v := range overlay {
		base[k] = v
	}

	merged := make(map[string]any, len(serverVars)+len(clientVars))
	for k, v := range serverVars {
		merged[k] = v
	}
	for k, v := range clientVars {
		merged[k] = v
	}
	base["variables"] = merged

	return json.Marshal(base)
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return obj, nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func objectField(obj map[string]any, field string) map[string]any {
	m, ok := obj[field].(map[string]any)
	if !ok {
		return nil
	}
	return m
}
