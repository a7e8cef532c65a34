package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"collabtext/server/internal/discovery"
)

var peersTimeout time.Duration

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List sync servers advertised on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		peers, err := discovery.Browse(cmd.Context(), peersTimeout)
		if err != nil {
			return err
		}
		if peers == nil {
			peers = []discovery.Peer{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(peers)
	},
}

func init() {
	peersCmd.Flags().DurationVar(&peersTimeout, "timeout", 5*time.Second, "How long to listen for announcements")
}
