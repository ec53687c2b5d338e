// Package metering extracts token usage from upstream completion responses
// without altering the bytes delivered to the caller.
package metering

import (
	"encoding/json"
	"fmt"
)

// Usage is the token usage of one completion
type Usage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// IsZero reports whether no tokens were observed. Zero usage is never billed.
func (u Usage) IsZero() bool {
	return u.InputTokens <= 0 && u.OutputTokens <= 0
}

// usageFields accepts both the chat-completions names and the
// input/output names used by newer response shapes.
type usageFields struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	InputTokens      *int `json:"input_tokens"`
	OutputTokens     *int `json:"output_tokens"`
}

type responseFields struct {
	Model string       `json:"model"`
	Usage *usageFields `json:"usage"`
}

// apply overwrites counts present in f and keeps the rest
func (f *usageFields) apply(u *Usage) {
	if f == nil {
		return
	}
	if v := firstSet(f.PromptTokens, f.InputTokens); v != nil {
		u.InputTokens = *v
	}
	if v := firstSet(f.CompletionTokens, f.OutputTokens); v != nil {
		u.OutputTokens = *v
	}
}

func firstSet(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// ParseUsage reads the usage block of a buffered (non-streaming) response.
// A response without usage yields zero counts.
func ParseUsage(body []byte) (Usage, error) {
	var resp responseFields
	if err := json.Unmarshal(body, &resp); err != nil {
		return Usage{}, fmt.Errorf("failed to parse response usage: %w", err)
	}

	u := Usage{Model: resp.Model}
	resp.Usage.apply(&u)
	return u, nil
}
