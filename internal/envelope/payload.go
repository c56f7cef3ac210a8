package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// payloadSchemas holds a compiled JSON-Schema per message type, formalizing
// the required-key checks original_source's MessageParser.validate_message
// performed by hand.
var payloadSchemas = map[Type]*gojsonschema.Schema{}

func init() {
	defs := map[Type]string{
		TypeEvent: `{
			"type": "object",
			"required": ["level", "msg"],
			"properties": {
				"level": {"enum": ["debug","info","warn","error","fatal"]},
				"msg": {"type": "string"},
				"ctx": {"type": "object"}
			}
		}`,
		TypeMetric: `{
			"type": "object",
			"required": ["name", "value", "unit"],
			"properties": {
				"name": {"type": "string"},
				"value": {"type": "number"},
				"unit": {"type": "string"},
				"tags": {"type": "object"}
			}
		}`,
		TypeProgress: `{
			"type": "object",
			"required": ["job_id", "percent", "status"],
			"properties": {
				"job_id": {"type": "string"},
				"percent": {"type": "integer", "minimum": 0, "maximum": 100},
				"status": {"type": "string"}
			}
		}`,
		TypeResource: `{
			"type": "object",
			"required": ["cpu", "mem", "disk", "net"],
			"properties": {
				"cpu": {"type": "number"},
				"mem": {"type": "number"},
				"disk": {"type": "number"},
				"net": {"type": "number"}
			}
		}`,
		TypeSpan: `{
			"type": "object",
			"required": ["name", "start", "status"],
			"properties": {
				"name": {"type": "string"},
				"start": {"type": "integer"},
				"end": {"type": "integer"},
				"status": {"type": "string"},
				"tags": {"type": "object"}
			}
		}`,
	}
	for t, raw := range defs {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("envelope: invalid builtin schema for %s: %v", t, err))
		}
		payloadSchemas[t] = schema
	}
}

// ValidatePayload checks a type-specific payload against its schema.
// heartbeat and goodbye carry no required payload and are not validated.
func ValidatePayload(t Type, data json.RawMessage) error {
	schema, ok := payloadSchemas[t]
	if !ok {
		return nil
	}
	if len(data) == 0 {
		return protoErr("%s requires a data payload", t)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return protoErr("%s payload: %v", t, err)
	}
	if !result.Valid() {
		return protoErr("%s payload invalid: %v", t, result.Errors())
	}
	return nil
}
