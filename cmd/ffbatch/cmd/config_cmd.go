package cmd

import (
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		redacted := cfg.Redacted()
		return printOutput(redacted, func(w io.Writer) {
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			defer enc.Close()
			enc.Encode(redacted)
		})
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
