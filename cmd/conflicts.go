package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var conflictsAddr string

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List active conflicts on a running coordinator",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client := &http.Client{Timeout: 10 * time.Second}

		resp, err := client.Get(fmt.Sprintf("http://%s/v1/conflicts", conflictsAddr))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("coordinator returned %s", resp.Status)
		}

		var records []struct {
			ConflictID       string    `json:"conflictId"`
			FilePath         string    `json:"filePath"`
			ConflictType     string    `json:"conflictType"`
			InvolvedSessions []string  `json:"involvedSessions"`
			Timestamp        time.Time `json:"timestamp"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "no active conflicts")
			return nil
		}

		for _, rec := range records {
			fmt.Fprintf(out, "%s  %-16s  %s  sessions=%v  %s\n",
				rec.ConflictID,
				rec.ConflictType,
				rec.FilePath,
				rec.InvolvedSessions,
				rec.Timestamp.Format(time.RFC3339),
			)
		}
		return nil
	},
}

func init() {
	conflictsCmd.Flags().StringVar(&conflictsAddr, "addr", "127.0.0.1:7420", "coordinator address")
	rootCmd.AddCommand(conflictsCmd)
}
