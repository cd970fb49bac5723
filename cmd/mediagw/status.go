package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mediagw/internal/services"
	"mediagw/pkg/types"
)

type probe struct {
	Target string
	Health types.HealthResponse
	Err    error
}

func newStatusCmd() *cobra.Command {
	var host, targets string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query /health of running services",
		Example: "  mediagw status\n" +
			"  mediagw status --host gpu-box\n" +
			"  mediagw status --targets 10.0.0.5:9000,10.0.0.5:8070",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list := splitCSV(targets)
			if len(list) == 0 {
				for _, d := range services.All() {
					list = append(list, host+":"+strconv.Itoa(d.Port))
				}
			}
			client := &http.Client{Timeout: timeout}
			results := probeAll(cmd.Context(), client, list)
			return printStatus(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host running the services on their default ports")
	cmd.Flags().StringVar(&targets, "targets", "", "Comma separated host:port list (overrides --host)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Per-service probe timeout")
	return cmd
}

// probeAll queries every target concurrently. Failures are recorded per
// target and never abort the others.
func probeAll(ctx context.Context, client *http.Client, targets []string) []probe {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make([]probe, len(targets))
	var g errgroup.Group
	g.SetLimit(8)
	for i, t := range targets {
		g.Go(func() error {
			h, err := fetchHealth(ctx, client, t)
			out[i] = probe{Target: t, Health: h, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func fetchHealth(ctx context.Context, client *http.Client, target string) (types.HealthResponse, error) {
	var h types.HealthResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+target+"/health", nil)
	if err != nil {
		return h, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return h, fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

func printStatus(w io.Writer, results []probe) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSERVICE\tSTATUS\tLOADED\tGPU")
	down := 0
	for _, r := range results {
		if r.Err != nil {
			down++
			fmt.Fprintf(tw, "%s\t-\tdown (%v)\t-\t-\n", r.Target, r.Err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\n", r.Target, r.Health.Service, r.Health.Status, r.Health.Loaded, r.Health.GPU)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if down == len(results) && down > 0 {
		return fmt.Errorf("no service reachable")
	}
	return nil
}
