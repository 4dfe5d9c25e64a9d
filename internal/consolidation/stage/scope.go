package stage

import (
	"context"
	"fmt"

	consdomain "github.com/costplane/costplane/internal/consolidation/domain"
	"gorm.io/gorm"
)

// deleteOutput removes a stage's prior output for the context's key. With
// a credential the delete is credential-scoped; without one it falls into
// the legacy date-wide branch, which the engine has already gated.
// extraWhere narrows the delete to the stage's own output subset so two
// stages writing the same table never erase each other's rows.
func deleteOutput(ctx context.Context, tx *gorm.DB, sc consdomain.StageContext, table, dateColumn, extraWhere string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE x_org_slug = ? AND %s = ?`, table, dateColumn)
	args := []interface{}{sc.OrgSlug, sc.TargetDate}

	if sc.CredentialID != "" {
		query += ` AND x_credential_id = ?`
		args = append(args, sc.CredentialID)
	}
	if extraWhere != "" {
		query += ` AND ` + extraWhere
	}

	return tx.WithContext(ctx).Exec(query, args...).Error
}

// entityAttribution derives the hierarchy attribution fields for derived
// rows. Credential-scoped runs attribute to the credential; the legacy
// branch attributes to the organization itself.
func entityAttribution(sc consdomain.StageContext) (id, name, level, path string) {
	if sc.CredentialID != "" {
		return sc.CredentialID,
			sc.CredentialID,
			"credential",
			sc.OrgSlug + "/" + sc.CredentialID
	}
	return sc.OrgSlug, sc.OrgSlug, "organization", sc.OrgSlug
}
