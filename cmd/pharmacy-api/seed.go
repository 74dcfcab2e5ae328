package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/infrastructure/postgres"
)

const demoStock = 500

// demoDrugs is a small catalog for local runs.
var demoDrugs = []prescription.Drug{
	{ID: "00093-4155", GenericName: "amoxicillin", Schedule: prescription.ScheduleNone, MaxDailyQuantity: 4},
	{ID: "68180-0513", GenericName: "lisinopril", Schedule: prescription.ScheduleNone, MaxDailyQuantity: 2},
	{ID: "00054-0257", GenericName: "oxycodone", Schedule: prescription.ScheduleII, MaxDailyQuantity: 6},
	{ID: "00591-0388", GenericName: "hydrocodone", Schedule: prescription.ScheduleII, MaxDailyQuantity: 6},
	{ID: "59762-3720", GenericName: "alprazolam", Schedule: prescription.ScheduleIV, MaxDailyQuantity: 4},
	{ID: "00378-0345", GenericName: "diazepam", Schedule: prescription.ScheduleIV, MaxDailyQuantity: 4},
	{ID: "00781-1506", GenericName: "tramadol", Schedule: prescription.ScheduleIV, MaxDailyQuantity: 8},
	{ID: "00056-0172", GenericName: "warfarin", Schedule: prescription.ScheduleNone, MaxDailyQuantity: 2},
	{ID: "63981-0561", GenericName: "aspirin", Schedule: prescription.ScheduleNone, MaxDailyQuantity: 4},
	{ID: "00904-5853", GenericName: "ibuprofen", Schedule: prescription.ScheduleNone, MaxDailyQuantity: 6},
	{ID: "00093-7146", GenericName: "sertraline", Schedule: prescription.ScheduleNone, MaxDailyQuantity: 2},
	{ID: "00603-5793", GenericName: "pregabalin", Schedule: prescription.ScheduleV, MaxDailyQuantity: 3},
}

func (a *app) seedCmd() *cobra.Command {
	var stock int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the demo drug catalog and stock into PostgreSQL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			ctx := cmd.Context()
			pool, err := postgres.Connect(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.NewCatalog(pool).UpsertDrugs(ctx, demoDrugs...); err != nil {
				return err
			}
			if stock > 0 {
				store := postgres.NewStore(pool, postgres.Routes{Events: a.cfg.TopicEvents, Controlled: a.cfg.TopicControlled}, a.logger)
				for _, d := range demoDrugs {
					if _, err := store.Receive(ctx, d.ID, stock); err != nil {
						return err
					}
				}
			}
			a.logger.Info("demo catalog loaded", zap.Int("drugs", len(demoDrugs)), zap.Int("stock_each", stock))
			return nil
		},
	}
	cmd.Flags().IntVar(&stock, "stock", demoStock, "units received for each drug (0 skips stock)")
	return cmd
}
