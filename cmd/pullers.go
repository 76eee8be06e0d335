package cmd

import (
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ridedispatch/api/rides"
	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/pkg/export"
)

var (
	adjustDelta  int
	adjustReason string
	ledgerFormat string
)

var pullersCmd = &cobra.Command{
	Use:   "pullers",
	Short: "Puller related commands",
}

var pullersLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List pullers with presence and balance",
	RunE:  runPullersLs,
}

var pullersLedgerCmd = &cobra.Command{
	Use:   "ledger <puller-id>",
	Short: "Show a puller's points history",
	Args:  cobra.ExactArgs(1),
	RunE:  runPullersLedger,
}

var pointsCmd = &cobra.Command{
	Use:   "points",
	Short: "Points ledger commands",
}

var pointsAdjustCmd = &cobra.Command{
	Use:   "adjust <puller-id>",
	Short: "Apply an administrative points adjustment",
	Args:  cobra.ExactArgs(1),
	RunE:  runPointsAdjust,
}

func init() {
	pointsAdjustCmd.Flags().IntVar(&adjustDelta, "delta", 0, "signed points change")
	pointsAdjustCmd.Flags().StringVar(&adjustReason, "reason", string(model.ReasonManualAdjustment), "MANUAL_ADJUSTMENT, REDEMPTION or FRAUD_REVERSAL")
	_ = pointsAdjustCmd.MarkFlagRequired("delta")
	pullersLedgerCmd.Flags().StringVar(&ledgerFormat, "format", "", "print only the history as json or csv")

	pullersCmd.AddCommand(pullersLsCmd, pullersLedgerCmd)
	pointsCmd.AddCommand(pointsAdjustCmd)
	rootCmd.AddCommand(pullersCmd, pointsCmd)
}

func runPullersLs(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	var ps []model.Puller
	if err := newAPIClient(serverURL, adminToken).do(ctx, http.MethodGet, "/api/pullers", nil, &ps); err != nil {
		return fmt.Errorf("list pullers: %w", err)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tONLINE\tACTIVE\tLOCATION\tPOINTS")
	for _, p := range ps {
		loc := "-"
		if p.HasLocation() {
			loc = fmt.Sprintf("%.5f,%.5f", *p.Lat, *p.Lon)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%d\n", p.ID, p.Name, p.IsOnline, p.IsActive, loc, p.PointsBalance)
	}
	return w.Flush()
}

func runPullersLedger(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	var led rides.LedgerResponse
	if err := newAPIClient(serverURL, adminToken).do(ctx, http.MethodGet, "/api/pullers/"+args[0]+"/ledger", nil, &led); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if ledgerFormat == "" {
		return printJSON(cmd, led)
	}
	return export.Write(cmd.OutOrStdout(), export.Format(ledgerFormat), led.History)
}

func runPointsAdjust(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	body := map[string]any{"delta": adjustDelta, "reason": adjustReason}
	var res rides.AdjustResponse
	if err := newAPIClient(serverURL, adminToken).do(ctx, http.MethodPost, "/api/pullers/"+args[0]+"/points", body, &res); err != nil {
		return fmt.Errorf("adjust points: %w", err)
	}
	return printJSON(cmd, res)
}
