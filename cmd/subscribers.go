package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/dispensary-deals/internal/model"
)

var (
	subEmail      string
	subCategories []string
	subBrands     []string
	subZip        string
	subRadius     int
)

var subscribersCmd = &cobra.Command{
	Use:   "subscribers",
	Short: "Manage subscriber preferences",
}

var subscribersSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or replace a subscriber's preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initRanking(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sub := &model.Subscriber{
			Email:       subEmail,
			Brands:      subBrands,
			Zip:         subZip,
			RadiusMiles: subRadius,
		}
		for _, c := range subCategories {
			sub.Categories = append(sub.Categories, model.Category(c))
		}
		if err := env.Ranking.SavePreferences(ctx, sub); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved preferences for %s\n", sub.Email)
		return nil
	},
}

func init() {
	f := subscribersSetCmd.Flags()
	f.StringVar(&subEmail, "email", "", "subscriber email")
	f.StringSliceVar(&subCategories, "categories", nil, "deal categories (empty matches all)")
	f.StringSliceVar(&subBrands, "brands", nil, "preferred brands")
	f.StringVar(&subZip, "zip", "", "zip code")
	f.IntVar(&subRadius, "radius", 0, "search radius in miles")
	_ = subscribersSetCmd.MarkFlagRequired("email")
	subscribersCmd.AddCommand(subscribersSetCmd)
	rootCmd.AddCommand(subscribersCmd)
}
