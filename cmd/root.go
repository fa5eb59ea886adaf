package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "./config/sponsor.yaml"
	rootCmd = &cobra.Command{
		Use:   "userop-sponsor",
		Short: "Build, sponsor and relay ERC-4337 UserOperations",
		Long: `Send calls from a SimpleAccount smart wallet through an ERC-4337 bundler,
with gas optionally sponsored by a paymaster.

The owner key is read from OWNER_PRIVATE_KEY or owner_private_key in the
config file. Such as "userop-sponsor send --to 0x... --value 0.01"
`,
		SilenceUsage: true,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", config, "Path to config file")
}
