package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/config"
)

var brandsSeedFile string

var brandsCmd = &cobra.Command{
	Use:   "brands",
	Short: "Manage the brand registry",
}

var brandsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known brands",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initRanking(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		brands, err := env.Store.ListBrands(ctx)
		if err != nil {
			return err
		}
		for _, b := range brands {
			fmt.Fprintln(cmd.OutOrStdout(), b.Name)
		}
		return nil
	},
}

var brandsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the brand registry from a YAML list",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		names, err := config.LoadBrandSeed(brandsSeedFile)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return eris.Errorf("no brands in %s", brandsSeedFile)
		}

		env, err := initRanking(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Store.SeedBrands(ctx, names)
		if err != nil {
			return err
		}
		zap.L().Info("brands seeded", zap.Int("read", len(names)), zap.Int64("inserted", n))
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d of %d brands\n", n, len(names))
		return nil
	},
}

func init() {
	brandsSeedCmd.Flags().StringVar(&brandsSeedFile, "file", "brands.yaml", "brand seed file")
	brandsCmd.AddCommand(brandsListCmd, brandsSeedCmd)
	rootCmd.AddCommand(brandsCmd)
}
