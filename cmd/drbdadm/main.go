// cmd/drbdadm is the Cobra CLI for inspecting a running drbdd,
// structured the way godkv's cmd/client does: one root command, one
// subcommand per operation, a shared --server flag. It only issues HTTP
// GETs against drbdd's read-only status endpoints. Administrative
// actions (attaching/detaching peers, bumping generation counters) are
// not offered by this CLI nor by drbdd's HTTP surface.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	statusAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "drbdadm",
		Short: "Inspect a running drbdgo device over its status endpoint",
	}

	root.PersistentFlags().StringVarP(&statusAddr, "server", "s",
		"http://localhost:8080", "drbdd status endpoint address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second,
		"HTTP request timeout")

	root.AddCommand(statusCmd(), healthCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the device's replication status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/status")
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the device process is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/healthz")
		},
	}
}

func getAndPrint(path string) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(statusAddr + path)
	if err != nil {
		return fmt.Errorf("drbdadm: %w", err)
	}
	defer resp.Body.Close()

	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("drbdadm: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("drbdadm: server returned %s: %v", resp.Status, v)
	}

	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
