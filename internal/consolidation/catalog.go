// Package consolidation wires the pipeline catalog and the engine.
package consolidation

import (
	"github.com/bwmarrin/snowflake"
	consdomain "github.com/costplane/costplane/internal/consolidation/domain"
	"github.com/costplane/costplane/internal/consolidation/stage"
)

// PipelineGenAIUnified is the standard GenAI consolidation pipeline.
const PipelineGenAIUnified = "genai.unified.consolidate"

// Catalog resolves logical pipeline IDs to their stage sequences.
type Catalog struct {
	pipelines map[string]consdomain.Pipeline
}

func NewCatalog(genID *snowflake.Node) *Catalog {
	return &Catalog{
		pipelines: map[string]consdomain.Pipeline{
			PipelineGenAIUnified: {
				ID: PipelineGenAIUnified,
				Stages: []consdomain.Stage{
					stage.NewUsageStage(genID),
					stage.NewCostsStage(genID),
					stage.NewFocusStage(genID),
				},
			},
		},
	}
}

func (c *Catalog) Get(pipelineID string) (consdomain.Pipeline, error) {
	pipeline, ok := c.pipelines[pipelineID]
	if !ok {
		return consdomain.Pipeline{}, consdomain.ErrPipelineNotFound
	}
	return pipeline, nil
}

// IDs lists the known pipeline IDs.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.pipelines))
	for id := range c.pipelines {
		ids = append(ids, id)
	}
	return ids
}
