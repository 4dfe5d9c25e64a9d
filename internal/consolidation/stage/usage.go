package stage

import (
	"context"

	"github.com/bwmarrin/snowflake"
	consdomain "github.com/costplane/costplane/internal/consolidation/domain"
	"gorm.io/gorm"
)

const UsageStageName = "consolidate_usage"

// UsageStage aggregates raw token usage into PAYG rows on the
// consolidated ledger, priced per model.
type UsageStage struct {
	genID *snowflake.Node
}

func NewUsageStage(genID *snowflake.Node) *UsageStage {
	return &UsageStage{genID: genID}
}

func (s *UsageStage) Name() string { return UsageStageName }
func (s *UsageStage) Type() string { return consdomain.StageTypeConsolidation }

type usageAggregate struct {
	Provider     string
	ModelName    string
	Tokens       int64
	RequestCount int64
}

func (s *UsageStage) Run(ctx context.Context, tx *gorm.DB, sc consdomain.StageContext) (int64, error) {
	// This stage owns the payg subset of the consolidated table.
	if err := deleteOutput(ctx, tx, sc, "consolidated_cost_records", "x_pipeline_run_date", "cost_type = 'payg'"); err != nil {
		return 0, err
	}

	query := `SELECT provider, model_name, SUM(input_tokens + output_tokens) AS tokens, SUM(request_count) AS request_count
		 FROM raw_genai_usage_records
		 WHERE x_org_slug = ? AND usage_date = ?`
	args := []interface{}{sc.OrgSlug, sc.TargetDate}
	if sc.CredentialID != "" {
		query += ` AND x_credential_id = ?`
		args = append(args, sc.CredentialID)
	}
	query += ` GROUP BY provider, model_name ORDER BY provider, model_name`

	var aggregates []usageAggregate
	if err := tx.WithContext(ctx).Raw(query, args...).Scan(&aggregates).Error; err != nil {
		return 0, err
	}
	if len(aggregates) == 0 {
		return 0, nil
	}

	entityID, entityName, entityLevel, entityPath := entityAttribution(sc)

	rows := make([]consdomain.ConsolidatedCostRecord, 0, len(aggregates))
	for _, agg := range aggregates {
		unitCost := pricePer1K(agg.ModelName) / 1000
		quantity := float64(agg.Tokens)
		modelName := agg.ModelName
		rows = append(rows, consdomain.ConsolidatedCostRecord{
			ID:           s.genID.Generate(),
			XOrgSlug:     sc.OrgSlug,
			CostType:     consdomain.CostTypePAYG,
			Provider:     agg.Provider,
			ServiceName:  providerDisplayName(agg.Provider),
			ModelName:    &modelName,
			Quantity:     quantity,
			Unit:         "tokens",
			UnitCostUSD:  unitCost,
			TotalCostUSD: quantity * unitCost,

			EntityID:    entityID,
			EntityName:  entityName,
			EntityLevel: entityLevel,
			EntityPath:  entityPath,

			XPipelineID:      sc.PipelineID,
			XCredentialID:    lineageCredentialID(sc),
			XPipelineRunDate: sc.TargetDate,
			XRunID:           sc.RunID,
			XIngestedAt:      sc.IngestedAt,
			ConsolidatedAt:   sc.IngestedAt,
		})
	}

	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// lineageCredentialID keeps the lineage column non-null in legacy mode by
// tagging rows with the org-level sentinel.
func lineageCredentialID(sc consdomain.StageContext) string {
	if sc.CredentialID != "" {
		return sc.CredentialID
	}
	return "shared"
}
