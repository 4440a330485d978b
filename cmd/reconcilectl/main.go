// cmd/reconcilectl/main.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"payrecon/internal/adminclient"
	"payrecon/internal/pkg/httpclient"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	serverURL string
	token     string
	timeout   time.Duration
	notes     string
)

var rootCmd = &cobra.Command{
	Use:   "reconcilectl",
	Short: "Operate the payment reconciliation admin API",
	Long: `reconcilectl talks to reconcile-admin on behalf of an operator.

Examples:
  reconcilectl pending
  reconcilectl verify 43
  reconcilectl capture 42
  reconcilectl approve 43 --notes "wire transfer confirmed"`,
	SilenceUsage: true,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List orders awaiting payment resolution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, func(ctx context.Context, c *adminclient.Client) (json.RawMessage, error) {
			return c.ListPending(ctx)
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get [order-id]",
	Short: "Show a single order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, c *adminclient.Client) (json.RawMessage, error) {
			return c.Get(ctx, args[0])
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [order-id]",
	Short: "Look up the provider status without changing the order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, c *adminclient.Client) (json.RawMessage, error) {
			return c.Verify(ctx, args[0])
		})
	},
}

var captureCmd = &cobra.Command{
	Use:   "capture [order-id]",
	Short: "Capture the authorized payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, c *adminclient.Client) (json.RawMessage, error) {
			return c.Capture(ctx, args[0])
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve [order-id]",
	Short: "Mark the order as paid outside the provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, c *adminclient.Client) (json.RawMessage, error) {
			return c.Approve(ctx, args[0], notes)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("RECONCILE_SERVER", "http://localhost:8090"), "reconcile-admin base url")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("RECONCILE_TOKEN"), "operator bearer token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	approveCmd.Flags().StringVarP(&notes, "notes", "n", "", "why the order is considered paid (required)")
	_ = approveCmd.MarkFlagRequired("notes")

	rootCmd.AddCommand(pendingCmd, getCmd, verifyCmd, captureCmd, approveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, call func(context.Context, *adminclient.Client) (json.RawMessage, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client := adminclient.New(httpclient.NewClient(noop.NewTracerProvider().Tracer("reconcilectl")), serverURL, token)
	out, err := call(ctx, client)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(out)
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
