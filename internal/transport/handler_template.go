package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/rcmflow/internal/definition"
)

type templateSummary struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	Steps              int    `json:"steps"`
	EstimatedTotalTime int    `json:"estimated_total_time"`
}

func handleTemplateList(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := registry.All()
		out := make([]templateSummary, 0, len(all))
		for _, t := range all {
			out = append(out, templateSummary{
				ID:                 t.ID,
				Name:               t.Name,
				Description:        t.Description,
				Steps:              len(t.Steps),
				EstimatedTotalTime: t.EstimatedTotalTime,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":     out,
			"checksum": registry.Checksum(),
		})
	}
}

func handleTemplateGet(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tpl, err := registry.GetTemplate(chi.URLParam(r, "templateId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}
