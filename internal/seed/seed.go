// Package seed bootstraps the plan catalog and, outside production, a demo
// organization so a fresh install can run a pipeline immediately.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	orgdomain "github.com/costplane/costplane/internal/organization/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	demoOrgName = "Demo"
	demoOrgSlug = "demo"
	demoPlan    = "starter"
)

type planSpec struct {
	code       string
	name       string
	daily      int
	monthly    int
	concurrent int
	providers  int
	seats      int
}

var defaultPlans = []planSpec{
	{code: "free", name: "Free", daily: 2, monthly: 20, concurrent: 1, providers: 1, seats: 2},
	{code: "starter", name: "Starter", daily: 5, monthly: 50, concurrent: 1, providers: 2, seats: 5},
	{code: "pro", name: "Pro", daily: 20, monthly: 400, concurrent: 3, providers: 5, seats: 20},
	{code: "enterprise", name: "Enterprise", daily: 100, monthly: 2000, concurrent: 10, providers: 25, seats: 100},
}

// EnsurePlans inserts any missing plan rows. Existing rows keep their
// limits; operators tune those in place.
func EnsurePlans(db *gorm.DB, node *snowflake.Node) error {
	if db == nil || node == nil {
		return errors.New("seed requires a database handle and an id node")
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, spec := range defaultPlans {
			var existing orgdomain.Plan
			err := tx.Where("code = ?", spec.code).First(&existing).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			now := time.Now().UTC()
			plan := orgdomain.Plan{
				ID:                      node.Generate(),
				Code:                    spec.code,
				Name:                    spec.name,
				DailyPipelineLimit:      spec.daily,
				MonthlyPipelineLimit:    spec.monthly,
				ConcurrentPipelineLimit: spec.concurrent,
				ProviderLimit:           spec.providers,
				SeatLimit:               spec.seats,
				CreatedAt:               now,
				UpdatedAt:               now,
			}
			if err := tx.Create(&plan).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// EnsureDemoOrg creates the demo tenant if it does not exist.
func EnsureDemoOrg(db *gorm.DB, node *snowflake.Node) error {
	if db == nil || node == nil {
		return errors.New("seed requires a database handle and an id node")
	}

	ctx := context.Background()
	var existing orgdomain.Organization
	err := db.WithContext(ctx).Where("slug = ?", demoOrgSlug).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	org := orgdomain.Organization{
		ID:            node.Generate(),
		Name:          demoOrgName,
		Slug:          demoOrgSlug,
		PlanCode:      demoPlan,
		BillingStatus: orgdomain.BillingStatusTrialing,
		Currency:      "USD",
		Metadata:      datatypes.JSONMap{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return db.WithContext(ctx).Create(&org).Error
}
