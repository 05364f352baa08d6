package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/fmsync/internal/ir"
)

// marshalPayload converts an operation payload to canonical JSON TEXT.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalPayload(payload ir.IRObject) (string, error) {
	if payload == nil {
		payload = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// marshalContext converts a causal context to canonical JSON TEXT.
func marshalContext(c ir.Context) (string, error) {
	data, err := ir.MarshalCanonical(c.IRObject())
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses canonical JSON TEXT to IRObject.
// Uses ir.IRObject.UnmarshalJSON which handles large integers via json.Number.
func unmarshalPayload(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

// unmarshalContext parses JSON TEXT to a causal context.
func unmarshalContext(data string) (ir.Context, error) {
	c := ir.Context{}
	if data == "" || data == "{}" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return c, nil
}
