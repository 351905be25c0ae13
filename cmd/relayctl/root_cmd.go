package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxcd/relay/pkg/api"
	transport "github.com/fluxcd/relay/pkg/http"
	"github.com/fluxcd/relay/pkg/http/client"
)

const (
	EnvVariableURL = "RELAY_URL"
	defaultURL     = "http://localhost:3030"
)

type rootOpts struct {
	URL     string
	Timeout time.Duration
	API     api.Server
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
relayctl helps you build and deploy your service through relayd.

Workflow:
  relayctl trigger --repository chatbot --branch main  # Build and deploy the head of main
  relayctl runs                                        # How did the recent runs go?
  relayctl tags                                        # Which artifacts are there?
  relayctl deploy v1                                   # Deploy an artifact already built
  relayctl status                                      # What's running?
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "relayctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.URL, "url", "u", defaultURL,
		fmt.Sprintf("base URL of the relayd API server; you can also set the environment variable %s", EnvVariableURL))
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Minute, "global command timeout")

	cmd.AddCommand(
		newVersion(opts).Command(),
		newPush(opts).Command(),
		newPull(opts).Command(),
		newTags(opts).Command(),
		newDeploy(opts).Command(),
		newTrigger(opts).Command(),
		newStatus(opts).Command(),
		newScale(opts).Command(),
		newRuns(opts).Command(),
		newRun(opts).Command(),
	)

	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	// Unless the URL flag was given, the environment takes precedence.
	url := os.Getenv(EnvVariableURL)
	if cmd.Flags().Changed("url") || url == "" {
		url = opts.URL
	}
	if opts.API == nil {
		opts.API = client.New(http.DefaultClient, transport.NewAPIRouter(), url)
	}
	return nil
}

func makeExample(examples ...string) string {
	var lines []string
	for _, ex := range examples {
		lines = append(lines, "  "+ex)
	}
	return strings.Join(lines, "\n")
}
