package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyledger/internal/app"
	"github.com/alanyoungcy/polyledger/internal/ledger"
	"github.com/alanyoungcy/polyledger/internal/pipeline"
)

var statsTop int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the ledger by market",
	Long: `Print the ledger trade count and USD volume, overall and per market.
Trades involving a wallet in ledger.excluded_wallets are left out.`,
	Args: cobra.NoArgs,
	RunE: withApp(runStats),
}

func runStats(ctx context.Context, cmd *cobra.Command, a *app.App) error {
	filter, err := a.LedgerFilter()
	if err != nil {
		return err
	}
	stores := a.Stores()
	trades, err := stores.Trades.All(ctx)
	if err != nil {
		return err
	}
	index, err := pipeline.LoadMarketIndex(ctx, stores.Markets, stores.Discovered)
	if err != nil {
		return err
	}

	sum := ledger.Summarize(trades, filter)
	printf(cmd, "trades:     %d\n", sum.Trades)
	printf(cmd, "excluded:   %d\n", sum.Excluded)
	printf(cmd, "usd volume: %s\n", sum.USDVolume.StringFixed(2))
	printf(cmd, "markets:    %d\n\n", len(sum.Markets))

	questions := make(map[string]string, index.Len())
	for _, m := range index.Markets() {
		questions[m.ID] = m.Question
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "MARKET\tTRADES\tUSD VOLUME\tLAST TRADE\tQUESTION")
	for i, ms := range sum.Markets {
		if statsTop > 0 && i >= statsTop {
			break
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			ms.MarketID,
			ms.Trades,
			ms.USDVolume.StringFixed(2),
			ms.LastTrade.UTC().Format("2006-01-02 15:04"),
			questions[ms.MarketID],
		)
	}
	return nil
}

func init() {
	statsCmd.Flags().IntVar(&statsTop, "top", 20, "markets to list, by volume (0 lists all)")
}

// StatsCommand returns the stats command for registration
func StatsCommand() *cobra.Command {
	return statsCmd
}
