package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"metered_gateway/internal/utils"
)

// fallbackModels is served when the models table is empty or unreachable
var fallbackModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo"}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleListModels returns the active models in the OpenAI list format
func (d *Dependencies) handleListModels(w http.ResponseWriter, r *http.Request) {
	var data []modelEntry

	if d.Models != nil {
		active, err := d.Models.ListActive(r.Context())
		if err != nil {
			d.Logger.Warn("Failed to list models, serving fallback list", zap.Error(err))
		}
		for _, m := range active {
			owner := m.Provider
			if owner == "" {
				owner = "system"
			}
			data = append(data, modelEntry{
				ID:      m.ID,
				Object:  "model",
				Created: m.CreatedAt.Unix(),
				OwnedBy: owner,
			})
		}
	}

	if len(data) == 0 {
		created := time.Now().Unix()
		for _, id := range fallbackModels {
			data = append(data, modelEntry{ID: id, Object: "model", Created: created, OwnedBy: "openai"})
		}
	}

	utils.RespondWithJSON(w, http.StatusOK, modelList{Object: "list", Data: data})
}
