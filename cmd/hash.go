package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adalundhe/accord/core/hashing"
)

var hashCmd = &cobra.Command{
	Use:   "hash <file>",
	Short: "Print the content digest of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), hashing.DigestBytes(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashCmd)
}
