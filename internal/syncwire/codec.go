package syncwire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/model"
)

// Encode renders op as an operation envelope in canonical JSON.
func Encode(op ir.Operation) ([]byte, error) {
	obj := op.CanonicalObject()
	obj["type"] = ir.IRString(TypeOperation)
	b, err := ir.MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	return b, nil
}

// EncodeSyncRequest asks peers for everything not covered by ctx.
func EncodeSyncRequest(artifact ir.ArtifactID, site ir.SiteID, ctx ir.Context) ([]byte, error) {
	return encodeExchange(TypeSyncRequest, artifact, site, ctx)
}

// EncodeAck announces ctx as the sender's causal context.
func EncodeAck(artifact ir.ArtifactID, site ir.SiteID, ctx ir.Context) ([]byte, error) {
	return encodeExchange(TypeAck, artifact, site, ctx)
}

func encodeExchange(t MessageType, artifact ir.ArtifactID, site ir.SiteID, ctx ir.Context) ([]byte, error) {
	b, err := ir.MarshalCanonical(ir.IRObject{
		"type":        ir.IRString(t),
		"artifact_id": ir.IRString(artifact),
		"site_id":     ir.IRString(site),
		"context":     ctx.IRObject(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return b, nil
}

// wireMessage is the raw shape of every envelope. Fields are decoded lazily
// so each one can be validated with a precise error.
type wireMessage struct {
	Type       *string         `json:"type"`
	ArtifactID *string         `json:"artifact_id"`
	SiteID     *string         `json:"site_id"`
	Seq        json.RawMessage `json:"seq"`
	Kind       *string         `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	DependsOn  json.RawMessage `json:"depends_on"`
	Context    json.RawMessage `json:"context"`
}

// Decode validates msg and returns the envelope it carries. Every rejection
// is a *ValidationError.
func Decode(msg []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 || isFalsy(trimmed) {
		return Envelope{}, invalid("message", "empty message")
	}
	if trimmed[0] != '{' {
		return Envelope{}, invalid("message", "not a JSON object")
	}

	var raw wireMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Envelope{}, invalid("message", fmt.Sprintf("malformed JSON: %v", err))
	}

	if raw.Type == nil {
		return Envelope{}, invalid("type", "missing")
	}
	t := MessageType(*raw.Type)
	if !t.Valid() {
		return Envelope{}, invalid("type", fmt.Sprintf("unrecognized message type %q", *raw.Type))
	}

	artifact, err := requireString("artifact_id", raw.ArtifactID)
	if err != nil {
		return Envelope{}, err
	}
	site, err := requireString("site_id", raw.SiteID)
	if err != nil {
		return Envelope{}, err
	}

	if t != TypeOperation {
		ctx, err := decodeContext("context", raw.Context)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Type: t, Exchange: &Exchange{
			ArtifactID: ir.ArtifactID(artifact),
			SiteID:     ir.SiteID(site),
			Context:    ctx,
		}}, nil
	}

	op, err := decodeOperation(ir.ArtifactID(artifact), ir.SiteID(site), raw)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Operation: &op}, nil
}

// DecodeOperation is Decode restricted to operation envelopes.
func DecodeOperation(msg []byte) (ir.Operation, error) {
	env, err := Decode(msg)
	if err != nil {
		return ir.Operation{}, err
	}
	if env.Type != TypeOperation {
		return ir.Operation{}, invalid("type", fmt.Sprintf("expected %q, got %q", TypeOperation, env.Type))
	}
	return *env.Operation, nil
}

func decodeOperation(artifact ir.ArtifactID, site ir.SiteID, raw wireMessage) (ir.Operation, error) {
	seq, err := decodeInt("seq", raw.Seq)
	if err != nil {
		return ir.Operation{}, err
	}
	if seq < 1 {
		return ir.Operation{}, invalid("seq", fmt.Sprintf("must be >= 1, got %d", seq))
	}

	kindStr, err := requireString("kind", raw.Kind)
	if err != nil {
		return ir.Operation{}, err
	}
	kind := ir.OpKind(kindStr)
	if !kind.Valid() {
		return ir.Operation{}, invalid("kind", fmt.Sprintf("unknown operation kind %q", kindStr))
	}

	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return ir.Operation{}, invalid("payload", "missing")
	}
	var decoded ir.IRObject
	if err := json.Unmarshal(raw.Payload, &decoded); err != nil {
		return ir.Operation{}, invalid("payload", err.Error())
	}
	// Every replica keeps the canonical form, so an op that cannot be
	// re-encoded is never admitted.
	payload, err := ir.NormalizePayload(decoded)
	if err != nil {
		return ir.Operation{}, invalid("payload", err.Error())
	}
	if err := model.ValidatePayload(kind, payload); err != nil {
		return ir.Operation{}, invalid("payload", err.Error())
	}

	deps, err := decodeContext("depends_on", raw.DependsOn)
	if err != nil {
		return ir.Operation{}, err
	}
	// The creator's context at creation time always records its own
	// previous operation.
	if deps.Get(site) != seq-1 {
		return ir.Operation{}, invalid("depends_on", fmt.Sprintf("entry for own site %q must be %d, got %d", site, seq-1, deps.Get(site)))
	}
	deps[site] = seq - 1

	return ir.Operation{
		ArtifactID: artifact,
		SiteID:     site,
		Seq:        seq,
		Kind:       kind,
		Payload:    payload,
		DependsOn:  deps,
	}, nil
}

func isFalsy(b []byte) bool {
	switch string(b) {
	case "null", "false", "0", `""`:
		return true
	}
	return false
}

// requireString returns the NFC form of a mandatory string field.
func requireString(field string, v *string) (string, error) {
	if v == nil {
		return "", invalid(field, "missing")
	}
	if *v == "" {
		return "", invalid(field, "must not be empty")
	}
	return norm.NFC.String(*v), nil
}

// decodeInt accepts only integral JSON numbers.
func decodeInt(field string, raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, invalid(field, "missing")
	}
	// json.Number also accepts numeric strings such as "1".
	if raw[0] == '"' {
		return 0, invalid(field, "must be an integer")
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, invalid(field, "must be an integer")
	}
	i, err := n.Int64()
	if err != nil {
		return 0, invalid(field, fmt.Sprintf("must be an integer, got %s", n))
	}
	return i, nil
}

// decodeContext parses a site → seq mapping. An absent field is an empty
// context; negative watermarks and empty site ids are rejected.
func decodeContext(field string, raw json.RawMessage) (ir.Context, error) {
	ctx := ir.Context{}
	if len(raw) == 0 || string(raw) == "null" {
		return ctx, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, invalid(field, "must be an object mapping site id to seq")
	}
	for site, v := range entries {
		if site == "" {
			return nil, invalid(field, "empty site id")
		}
		seq, err := decodeInt(field+"."+site, v)
		if err != nil {
			return nil, err
		}
		if seq < 0 {
			return nil, invalid(field+"."+site, fmt.Sprintf("must be >= 0, got %d", seq))
		}
		id := ir.SiteID(norm.NFC.String(site))
		if _, dup := ctx[id]; dup {
			return nil, invalid(field+"."+site, "duplicates another site id after NFC normalization")
		}
		ctx[id] = seq
	}
	return ctx, nil
}
