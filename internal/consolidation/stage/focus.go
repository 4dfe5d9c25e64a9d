package stage

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	consdomain "github.com/costplane/costplane/internal/consolidation/domain"
	"gorm.io/gorm"
)

const FocusStageName = "convert_to_focus"

// FocusStage projects the consolidated ledger into the FOCUS-normalized
// reporting schema. It fully replaces the GenAI-tagged subset of the
// standard table for the context's key on every run.
type FocusStage struct {
	genID *snowflake.Node
}

func NewFocusStage(genID *snowflake.Node) *FocusStage {
	return &FocusStage{genID: genID}
}

func (s *FocusStage) Name() string { return FocusStageName }
func (s *FocusStage) Type() string { return consdomain.StageTypeConversion }

func (s *FocusStage) Run(ctx context.Context, tx *gorm.DB, sc consdomain.StageContext) (int64, error) {
	if err := deleteOutput(ctx, tx, sc, "standard_cost_records", "x_pipeline_run_date", "x_genai_cost_type IS NOT NULL"); err != nil {
		return 0, err
	}

	query := `SELECT id, x_org_slug, cost_type, provider, service_name, model_name, quantity, unit, unit_cost_usd, total_cost_usd, discount_usd, entity_id, entity_name, entity_level, entity_path, x_pipeline_id, x_credential_id, x_pipeline_run_date, x_run_id, x_ingested_at, consolidated_at
		 FROM consolidated_cost_records
		 WHERE x_org_slug = ? AND x_pipeline_run_date = ?`
	args := []interface{}{sc.OrgSlug, sc.TargetDate}
	if sc.CredentialID != "" {
		query += ` AND x_credential_id = ?`
		args = append(args, sc.CredentialID)
	}
	query += ` ORDER BY id`

	var consolidated []consdomain.ConsolidatedCostRecord
	if err := tx.WithContext(ctx).Raw(query, args...).Scan(&consolidated).Error; err != nil {
		return 0, err
	}
	if len(consolidated) == 0 {
		return 0, nil
	}

	rows := make([]consdomain.StandardCostRecord, 0, len(consolidated))
	for _, rec := range consolidated {
		costType := rec.CostType
		description := chargeDescription(&rec)

		row := consdomain.StandardCostRecord{
			ID:       s.genID.Generate(),
			XOrgSlug: rec.XOrgSlug,

			ChargePeriodStart: rec.XPipelineRunDate,
			BilledCostUSD:     rec.TotalCostUSD,
			EffectiveCostUSD:  rec.TotalCostUSD,
			ListCostUSD:       rec.TotalCostUSD + rec.DiscountUSD,
			PricingQuantity:   rec.Quantity,
			PricingUnit:       rec.Unit,

			ServiceCategory:     serviceCategory(costType),
			ServiceProviderName: providerDisplayName(rec.Provider),
			ChargeCategory:      chargeCategory(costType),
			ChargeDescription:   &description,
			SkuID:               rec.ModelName,
			XGenAICostType:      &costType,

			XPipelineID:      rec.XPipelineID,
			XCredentialID:    rec.XCredentialID,
			XPipelineRunDate: rec.XPipelineRunDate,
			XRunID:           sc.RunID,
			XIngestedAt:      sc.IngestedAt,
		}
		rows = append(rows, row)
	}

	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func chargeDescription(rec *consdomain.ConsolidatedCostRecord) string {
	if rec.ModelName != nil && *rec.ModelName != "" {
		return fmt.Sprintf("%s %s (%s)", rec.ServiceName, rec.CostType, *rec.ModelName)
	}
	return fmt.Sprintf("%s %s", rec.ServiceName, rec.CostType)
}
