// Janitor
//
// A chat-driven repository janitor: pair a Telegram or Slack chat, lock it to
// one repository, and run CI, SCAN, FIX and APPROVE from your phone.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Janitor - chat-driven repository automation",
	Long: `Janitor is a chat-driven automation agent for one code repository.
Pair a chat, lock it to a repo, and run tasks with live progress.

  janitor config setup        Set up tokens (first time)
  janitor serve               Start the bots and the HTTP API
  janitor jobs                List scheduled commands`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMark, err)
		os.Exit(1)
	}
}
