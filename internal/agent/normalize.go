package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Normalize coerces whatever an agent returned into an output document ready
// for the terminal write. Structured documents pass through; text goes
// through NormalizeOutput.
func Normalize(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		return NormalizeOutput(v)
	case []byte:
		return NormalizeOutput(string(v))
	}
	return nil, fmt.Errorf("unsupported agent output type %T", raw)
}

// NormalizeOutput coerces a raw agent response into an output document.
// Well-formed JSON objects pass through; malformed JSON goes through repair
// before giving up; plain text is wrapped under "text".
func NormalizeOutput(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	if strings.HasPrefix(trimmed, "{") {
		var out map[string]any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out, nil
		}
		fixed, repairErr := jsonrepair.JSONRepair(trimmed)
		if repairErr != nil {
			return nil, fmt.Errorf("repair agent output: %w", repairErr)
		}
		var out2 map[string]any
		if err := json.Unmarshal([]byte(fixed), &out2); err != nil {
			return nil, fmt.Errorf("parse repaired agent output: %w", err)
		}
		return out2, nil
	}

	return map[string]any{"text": trimmed}, nil
}
