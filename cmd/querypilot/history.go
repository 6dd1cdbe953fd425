package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"QueryPilot/internal/storage/mysql"
)

func newHistoryCmd() *cobra.Command {
	var (
		session string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently finished turns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt := &components{cfg: globalCfg}
			defer rt.Close()
			repo, err := buildTurnRepository(ctx, globalCfg, rt)
			if err != nil {
				return err
			}
			var records []mysql.TurnRecord
			if session != "" {
				records, err = repo.ListBySession(ctx, session, limit)
			} else {
				records, err = repo.ListLatest(ctx, limit)
			}
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No turns recorded yet.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSESSION\tOUTCOME\tSTAGE\tQUERY")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					time.Unix(r.CreatedAt, 0).Format(time.DateTime),
					shorten(r.SessionID, 8),
					r.Outcome,
					r.Stage,
					shorten(r.Query, 60),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Only show turns of this session")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of turns to show")
	return cmd
}

func shorten(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
