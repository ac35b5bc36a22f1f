package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSON unmarshals a model response into v. Markdown code fences and
// any prose around the outermost JSON object or array are ignored.
func DecodeJSON(response string, v any) error {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	if err := json.Unmarshal([]byte(response), v); err == nil {
		return nil
	}

	start := strings.IndexAny(response, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON found in response")
	}
	closer := byte('}')
	if response[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(response, closer)
	if end <= start {
		return fmt.Errorf("unterminated JSON in response")
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), v); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return nil
}
