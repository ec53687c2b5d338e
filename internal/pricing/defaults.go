package pricing

const (
	// DefaultMarkup applies when neither reference data nor the table sets one
	DefaultMarkup = 1.2

	// DefaultFallbackModel prices models found nowhere else
	DefaultFallbackModel = "gpt-4o-mini"
)

// DefaultTable returns the built-in prices in USD per million tokens.
func DefaultTable() Table {
	return Table{
		"gpt-4o":        {Input: 2.5, Output: 10},
		"gpt-4o-mini":   {Input: 0.15, Output: 0.6},
		"gpt-4-turbo":   {Input: 10, Output: 30},
		"gpt-4":         {Input: 30, Output: 60},
		"gpt-3.5-turbo": {Input: 0.5, Output: 1.5},
	}
}
