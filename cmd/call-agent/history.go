package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"chatcall-backend/internal/peer"
)

var historyOpts struct {
	limit  int
	offset int
}

var historyCMD = &cobra.Command{
	Use:   "history",
	Short: "list the user's recent calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		calls, err := peer.NewAPIClient(opts.api, opts.token).History(cmd.Context(), historyOpts.limit, historyOpts.offset)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CALL\tCHAT\tTYPE\tSTATUS\tCREATED")
		for _, c := range calls {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.ChatID, c.Kind, c.Status, c.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	historyCMD.Flags().IntVar(&historyOpts.limit, "limit", 20, "page size")
	historyCMD.Flags().IntVar(&historyOpts.offset, "offset", 0, "page offset")
	rootCMD.AddCommand(historyCMD)
}
