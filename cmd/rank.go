package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/dispensary-deals/internal/model"
	"github.com/sells-group/dispensary-deals/internal/ranking"
)

var (
	rankEmail string
	rankDate  string
)

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Print a subscriber's ranked deals for a date",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initRanking(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		date := rankDate
		if date == "" {
			date = model.DateOf(time.Now())
		}
		deals, err := env.Ranking.Rank(ctx, rankEmail, date)
		if err != nil {
			return err
		}
		return printRanked(cmd.OutOrStdout(), deals)
	},
}

func printRanked(w io.Writer, deals []ranking.RankedDeal) error {
	if len(deals) == 0 {
		_, err := fmt.Fprintln(w, "no deals")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tUNIT\tCATEGORY\tDISPENSARY\tTITLE\tPRICE")
	for i, d := range deals {
		unit := "-"
		if d.UnitPrice != nil {
			unit = fmt.Sprintf("%.2f", *d.UnitPrice)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, unit, d.Category, d.DispensaryID, d.Title, d.Price)
	}
	return tw.Flush()
}

func init() {
	rankCmd.Flags().StringVar(&rankEmail, "email", "", "subscriber email")
	rankCmd.Flags().StringVar(&rankDate, "date", "", "deal date (YYYY-MM-DD, default today UTC)")
	_ = rankCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(rankCmd)
}
