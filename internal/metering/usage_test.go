package metering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUsage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Usage
	}{
		{
			name: "chat completion",
			body: `{"id":"c1","model":"gpt-4o-2024-08-06","usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}}`,
			want: Usage{Model: "gpt-4o-2024-08-06", InputTokens: 1000, OutputTokens: 500},
		},
		{
			name: "input output names",
			body: `{"model":"gpt-4o","usage":{"input_tokens":12,"output_tokens":3}}`,
			want: Usage{Model: "gpt-4o", InputTokens: 12, OutputTokens: 3},
		},
		{
			name: "no usage",
			body: `{"model":"gpt-4o","choices":[]}`,
			want: Usage{Model: "gpt-4o"},
		},
		{
			name: "null usage",
			body: `{"model":"gpt-4o","usage":null}`,
			want: Usage{Model: "gpt-4o"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUsage([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseUsage_InvalidJSON(t *testing.T) {
	_, err := ParseUsage([]byte("<html>"))
	assert.Error(t, err)
}

func TestUsage_IsZero(t *testing.T) {
	assert.True(t, Usage{}.IsZero())
	assert.True(t, Usage{Model: "gpt-4o"}.IsZero())
	assert.False(t, Usage{InputTokens: 1}.IsZero())
	assert.False(t, Usage{OutputTokens: 1}.IsZero())
}
