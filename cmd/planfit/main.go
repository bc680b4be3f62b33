package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var Version = "dev"

var (
	configFile string
	userID     string
)

func main() {
	root := &cobra.Command{
		Use:   "planfit",
		Short: "AI plan generation pipeline for diet and workout plans",
		Long: `planfit runs the conversational plan generation pipeline:
an interview gathers the user's requirements, a tiered AI gateway
generates the plan, and incomplete responses are reconciled with
deterministic defaults.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config",
		getEnv("PLANFIT_CONFIG", "planfit.yaml"), "configuration file")
	root.PersistentFlags().StringVar(&userID, "user",
		getEnv("PLANFIT_USER", ""), "user ID to act as")

	root.AddCommand(newChatCmd())
	root.AddCommand(newCleanupCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the planfit version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("planfit v%s\n", Version)
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
