// Package cmd is the CLI front end (SPEC_FULL.md §A): thin cobra
// commands that build DownloadTarget/Mirror values and hand them to
// internal/engine. It mirrors the teacher's (Tanq16-danzo) cmd/root.go
// shape — package-level flag variables, a single rootCmd, an Execute
// entry point — narrowed to the two subcommands this engine needs.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tanq16/mirrorpull/internal/output"
)

var (
	debug       bool
	concurrency int
	timeout     time.Duration
	keepAlive   time.Duration
	proxyURL    string
	userAgent   string

	awsProfile string

	registryClientID     string
	registryClientSecret string
	registryTokenURL     string
	registryScopes       []string
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "mirrorpull",
	Short:   "mirrorpull pulls files from a namespace of equivalent mirrors, failing over between them",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		output.SetLevel(debug)
	},
}

// Execute runs the CLI; it is the only thing main.go calls.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVarP(&concurrency, "concurrency", "c", 8, "total concurrent transfer budget")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 0, "per-request timeout (0 disables)")
	rootCmd.PersistentFlags().DurationVarP(&keepAlive, "keep-alive", "k", 60*time.Second, "idle connection keep-alive")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", "mirrorpull/1.0", "User-Agent header for the HTTPS adapter")

	rootCmd.PersistentFlags().StringVar(&awsProfile, "aws-profile", "", "AWS credential profile for object-store mirrors (default credential chain if empty)")

	rootCmd.PersistentFlags().StringVar(&registryClientID, "registry-client-id", "", "OAuth2 client ID for registry mirrors")
	rootCmd.PersistentFlags().StringVar(&registryClientSecret, "registry-client-secret", "", "OAuth2 client secret for registry mirrors")
	rootCmd.PersistentFlags().StringVar(&registryTokenURL, "registry-token-url", "", "OAuth2 token endpoint for registry mirrors")
	rootCmd.PersistentFlags().StringSliceVar(&registryScopes, "registry-scope", nil, "OAuth2 scope for registry mirrors; repeat for multiple")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newBatchCmd())
}
