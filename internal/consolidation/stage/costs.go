package stage

import (
	"context"

	"github.com/bwmarrin/snowflake"
	consdomain "github.com/costplane/costplane/internal/consolidation/domain"
	"gorm.io/gorm"
)

const CostsStageName = "consolidate_costs"

// CostsStage normalizes provider-native charges (commitments,
// subscriptions, infrastructure) onto the consolidated ledger, applying
// discount math. PAYG charges are excluded here: token usage is the
// authoritative PAYG source and is handled by the usage stage.
type CostsStage struct {
	genID *snowflake.Node
}

func NewCostsStage(genID *snowflake.Node) *CostsStage {
	return &CostsStage{genID: genID}
}

func (s *CostsStage) Name() string { return CostsStageName }
func (s *CostsStage) Type() string { return consdomain.StageTypeConsolidation }

func (s *CostsStage) Run(ctx context.Context, tx *gorm.DB, sc consdomain.StageContext) (int64, error) {
	// This stage owns every non-payg subset of the consolidated table.
	if err := deleteOutput(ctx, tx, sc, "consolidated_cost_records", "x_pipeline_run_date", "cost_type <> 'payg'"); err != nil {
		return 0, err
	}

	query := `SELECT id, x_org_slug, x_credential_id, x_ingestion_id, x_ingestion_date, cost_date, provider, cost_type, description, amount_usd, discount_pct, metadata, created_at
		 FROM raw_genai_cost_records
		 WHERE x_org_slug = ? AND cost_date = ?`
	args := []interface{}{sc.OrgSlug, sc.TargetDate}
	if sc.CredentialID != "" {
		query += ` AND x_credential_id = ?`
		args = append(args, sc.CredentialID)
	}
	query += ` ORDER BY id`

	var raws []consdomain.RawGenAICostRecord
	if err := tx.WithContext(ctx).Raw(query, args...).Scan(&raws).Error; err != nil {
		return 0, err
	}

	entityID, entityName, entityLevel, entityPath := entityAttribution(sc)

	rows := make([]consdomain.ConsolidatedCostRecord, 0, len(raws))
	for _, raw := range raws {
		costType := normalizeCostType(raw.CostType)
		if costType == consdomain.CostTypePAYG {
			continue
		}

		discount := raw.AmountUSD * raw.DiscountPct / 100
		total := raw.AmountUSD - discount

		serviceName := providerDisplayName(raw.Provider)
		if raw.Description != nil && *raw.Description != "" {
			serviceName = *raw.Description
		}

		rows = append(rows, consdomain.ConsolidatedCostRecord{
			ID:           s.genID.Generate(),
			XOrgSlug:     sc.OrgSlug,
			CostType:     costType,
			Provider:     raw.Provider,
			ServiceName:  serviceName,
			Quantity:     1,
			Unit:         "charge",
			UnitCostUSD:  total,
			TotalCostUSD: total,
			DiscountUSD:  discount,

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

	if len(rows) == 0 {
		return 0, nil
	}
	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}
