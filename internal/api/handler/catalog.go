package handler

import (
	"net/http"

	"github.com/cleanwave/pipeline/internal/api/response"
	"github.com/cleanwave/pipeline/internal/catalog"
	"github.com/cleanwave/pipeline/pkg/models"
)

type catalogResponse struct {
	Stages      []models.StageDefinition `json:"stages"`
	TotalWeight float64                  `json:"total_weight"`
}

// NewCatalogHandler returns an http.HandlerFunc for GET /api/v1/catalog.
func NewCatalogHandler(cat *catalog.Catalog) http.HandlerFunc {
	body := catalogResponse{Stages: cat.Stages(), TotalWeight: cat.TotalWeight()}
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, body)
	}
}
