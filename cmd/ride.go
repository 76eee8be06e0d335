package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/model"
)

var (
	serverURL   string
	adminToken  string
	rideFrom    string
	rideTo      string
	rideRider   string
	cancelCause string
)

var rideCmd = &cobra.Command{
	Use:   "ride",
	Short: "Ride related commands",
}

var rideRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Request a ride between two blocks",
	RunE:  runRideRequest,
}

var rideGetCmd = &cobra.Command{
	Use:   "get <ride-id>",
	Short: "Show a ride snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runRideGet,
}

var rideCancelCmd = &cobra.Command{
	Use:   "cancel <ride-id>",
	Short: "Cancel a ride that is not yet terminal",
	Args:  cobra.ExactArgs(1),
	RunE:  runRideCancel,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "dispatch API base URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", "", "admin bearer token")

	rideRequestCmd.Flags().StringVar(&rideFrom, "from", "", "pickup block id")
	rideRequestCmd.Flags().StringVar(&rideTo, "to", "", "destination block id")
	rideRequestCmd.Flags().StringVar(&rideRider, "rider", "", "rider id")
	_ = rideRequestCmd.MarkFlagRequired("from")
	_ = rideRequestCmd.MarkFlagRequired("to")
	rideCancelCmd.Flags().StringVar(&cancelCause, "reason", "", "cancellation reason")

	rideCmd.AddCommand(rideRequestCmd, rideGetCmd, rideCancelCmd)
	rootCmd.AddCommand(rideCmd)
}

func runRideRequest(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	req := messages.RideRequest{StartBlockID: rideFrom, DestinationBlockID: rideTo}
	if rideRider != "" {
		req.RiderID = &rideRider
	}
	var ride model.Ride
	if err := newAPIClient(serverURL, adminToken).do(ctx, http.MethodPost, "/api/rides", req, &ride); err != nil {
		return fmt.Errorf("request ride: %w", err)
	}
	return printJSON(cmd, ride)
}

func runRideGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	var ride model.Ride
	if err := newAPIClient(serverURL, adminToken).do(ctx, http.MethodGet, "/api/rides/"+args[0], nil, &ride); err != nil {
		return fmt.Errorf("get ride: %w", err)
	}
	return printJSON(cmd, ride)
}

func runRideCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	var ride model.Ride
	body := map[string]string{"reason": cancelCause}
	if err := newAPIClient(serverURL, adminToken).do(ctx, http.MethodPost, "/api/rides/"+args[0]+"/cancel", body, &ride); err != nil {
		return fmt.Errorf("cancel ride: %w", err)
	}
	return printJSON(cmd, ride)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
