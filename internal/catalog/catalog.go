// Package catalog holds the ordered pipeline stage sequence and its weights.
// It is the single source of stage names and weights for both progress
// aggregation and any display layer.
package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cleanwave/pipeline/pkg/models"
)

// Canonical stage names.
const (
	StageUpload         = "upload"
	StageAnalyze        = "analyze"
	StageLanguageDetect = "language-detect"
	StageContentScan    = "content-scan"
	StageTransform      = "transform"
	StagePreview        = "preview"
)

var defaultStages = []models.StageDefinition{
	{Name: StageUpload, Weight: 5, Description: "Receiving audio file..."},
	{Name: StageAnalyze, Weight: 15, Description: "Analyzing audio characteristics and metadata..."},
	{Name: StageLanguageDetect, Weight: 25, Description: "Detecting spoken languages and dialects..."},
	{Name: StageContentScan, Weight: 30, Description: "Scanning for inappropriate content patterns..."},
	{Name: StageTransform, Weight: 20, Description: "Applying intelligent audio filtering..."},
	{Name: StagePreview, Weight: 5, Description: "Optimizing audio quality and creating preview..."},
}

// Catalog is a read-only ordered list of stage definitions.
type Catalog struct {
	stages []models.StageDefinition
	index  map[string]int
	total  float64
}

// Default returns the canonical six-stage catalog.
func Default() *Catalog {
	c, err := New(defaultStages)
	if err != nil {
		panic(err)
	}
	return c
}

// New validates the definitions and builds a catalog. Names must be unique and
// non-empty, weights positive.
func New(stages []models.StageDefinition) (*Catalog, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("catalog must contain at least one stage")
	}
	c := &Catalog{
		stages: make([]models.StageDefinition, len(stages)),
		index:  make(map[string]int, len(stages)),
	}
	for i, def := range stages {
		if strings.TrimSpace(def.Name) == "" {
			return nil, fmt.Errorf("stage %d: name is required", i)
		}
		if def.Weight <= 0 {
			return nil, fmt.Errorf("stage %q: weight must be positive, got %v", def.Name, def.Weight)
		}
		if _, dup := c.index[def.Name]; dup {
			return nil, fmt.Errorf("stage %q: duplicate name", def.Name)
		}
		c.stages[i] = def
		c.index[def.Name] = i
		c.total += def.Weight
	}
	return c, nil
}

// Parse builds a catalog from a "name=weight,name=weight" list. Descriptions
// are taken from the default catalog when the name matches, otherwise the
// stage name is used.
func Parse(def string) (*Catalog, error) {
	var stages []models.StageDefinition
	for _, part := range strings.Split(def, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, rawWeight, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid stage entry %q: want name=weight", part)
		}
		name = strings.TrimSpace(name)
		weight, err := strconv.ParseFloat(strings.TrimSpace(rawWeight), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight for stage %q: %w", name, err)
		}
		stages = append(stages, models.StageDefinition{
			Name:        name,
			Weight:      weight,
			Description: defaultDescription(name),
		})
	}
	return New(stages)
}

// Stages returns the stage definitions in catalog order.
func (c *Catalog) Stages() []models.StageDefinition {
	out := make([]models.StageDefinition, len(c.stages))
	copy(out, c.stages)
	return out
}

// TotalWeight is the sum of all stage weights.
func (c *Catalog) TotalWeight() float64 {
	return c.total
}

// Lookup returns the definition for name.
func (c *Catalog) Lookup(name string) (models.StageDefinition, bool) {
	i, ok := c.index[name]
	if !ok {
		return models.StageDefinition{}, false
	}
	return c.stages[i], true
}

// Names returns the stage names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.stages))
	for i, def := range c.stages {
		out[i] = def.Name
	}
	return out
}

func defaultDescription(name string) string {
	for _, def := range defaultStages {
		if def.Name == name {
			return def.Description
		}
	}
	return name
}
