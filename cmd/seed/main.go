// Command seed loads the starter rule catalog into the database.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./cmd/seed
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/paylens/fraudguard/internal/idgen"
	"github.com/paylens/fraudguard/internal/rules"
)

func main() {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()
	store := rules.NewPostgresStore(db)

	for _, r := range StarterRules() {
		if err := store.Create(ctx, r); err != nil {
			log.Fatalf("Failed to seed rule %q: %v", r.Name, err)
		}
		log.Printf("seeded rule %q (%s)", r.Name, r.Type)
	}
	log.Println("rule catalog seeded")
}

func f64(v float64) *float64 { return &v }

// StarterRules is a reasonable default catalog: hard blocks for sanctioned
// countries and stolen BINs, review triggers for large amounts and velocity,
// flags for night-time activity and gambling merchants.
func StarterRules() []*rules.Rule {
	now := time.Now()
	mk := func(name string, typ rules.Type, action rules.Action, priority int, weight float64, cond rules.Conditions) *rules.Rule {
		return &rules.Rule{
			ID:         idgen.New(),
			Name:       name,
			Type:       typ,
			Action:     action,
			Status:     rules.StatusActive,
			Priority:   priority,
			Conditions: cond,
			RiskWeight: weight,
			CreatedBy:  "seed",
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	return []*rules.Rule{
		mk("sanctioned countries", rules.TypeCountryBlacklist, rules.ActionReject, 100, 100, rules.Conditions{
			CountryBlacklist: &rules.CountryBlacklistConditions{
				BlacklistedCountries: []string{"KP", "IR", "SY", "CU"},
			},
		}),
		mk("stolen card BINs", rules.TypeBINBlacklist, rules.ActionReject, 90, 100, rules.Conditions{
			BINBlacklist: &rules.BINBlacklistConditions{
				BlacklistedBINs: []string{"999999", "666666"},
			},
		}),
		mk("large transaction review", rules.TypeAmountLimit, rules.ActionReview, 80, 50, rules.Conditions{
			AmountLimit: &rules.AmountLimitConditions{MaxAmount: f64(5_000_000)},
		}),
		mk("card velocity", rules.TypeVelocityCheck, rules.ActionReview, 70, 40, rules.Conditions{
			Velocity: &rules.VelocityConditions{MaxTransactions: 5, WindowMinutes: 10},
		}),
		mk("gambling merchants", rules.TypeMerchantCategory, rules.ActionFlag, 60, 25, rules.Conditions{
			MerchantCategory: &rules.MerchantCategoryConditions{
				BlockedCategories: []string{"7995", "7801"},
			},
		}),
		mk("night-time activity", rules.TypeTimeRestriction, rules.ActionFlag, 50, 15, rules.Conditions{
			TimeRestriction: &rules.TimeRestrictionConditions{
				AllowedHours: []int{7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22},
			},
		}),
	}
}
