package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/otedama-sentinel/internal/breaker"
	"github.com/shizukutanaka/otedama-sentinel/internal/sentinel"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show detection statistics and breaker states of a running service",
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset RESOURCE",
	Short: "Force the circuit breaker of RESOURCE closed",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

func init() {
	rootCmd.AddCommand(statusCmd, resetCmd)

	for _, c := range []*cobra.Command{statusCmd, resetCmd} {
		c.Flags().String("api-url", "http://localhost:8080", "API server URL")
		c.Flags().Duration("timeout", 10*time.Second, "request timeout")
	}
	statusCmd.Flags().String("format", "table", "output format (table, json, yaml)")
	statusCmd.Flags().Bool("watch", false, "refresh periodically")
	statusCmd.Flags().Duration("interval", 5*time.Second, "watch interval")
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type statusReport struct {
	Fitted     bool                `json:"fitted" yaml:"fitted"`
	Threshold  float64             `json:"threshold" yaml:"threshold"`
	Statistics sentinel.Statistics `json:"statistics" yaml:"statistics"`
	Breakers   []breaker.Snapshot  `json:"breakers" yaml:"breakers"`
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(cmd *cobra.Command) *client {
	apiURL, _ := cmd.Flags().GetString("api-url")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return &client{
		baseURL: strings.TrimRight(apiURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *client) call(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: %s", method, path, env.Error)
	}
	return json.Unmarshal(env.Data, out)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := newClient(cmd)
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	ctx := cmd.Context()
	for {
		if watch {
			fmt.Fprint(cmd.OutOrStdout(), "\033[H\033[2J")
		}
		if err := displayStatus(ctx, c, cmd.OutOrStdout(), format); err != nil {
			return err
		}
		if !watch {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func displayStatus(ctx context.Context, c *client, w io.Writer, format string) error {
	var stats struct {
		Fitted     bool                `json:"fitted"`
		Threshold  float64             `json:"threshold"`
		Statistics sentinel.Statistics `json:"statistics"`
	}
	if err := c.call(ctx, http.MethodGet, "/statistics", &stats); err != nil {
		return fmt.Errorf("failed to fetch statistics: %w", err)
	}
	report := statusReport{Fitted: stats.Fitted, Threshold: stats.Threshold, Statistics: stats.Statistics}
	if err := c.call(ctx, http.MethodGet, "/breakers", &report.Breakers); err != nil {
		return fmt.Errorf("failed to fetch breakers: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(report)
	case "table":
		return displayTable(w, report)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func displayTable(w io.Writer, r statusReport) error {
	s := r.Statistics
	fmt.Fprintf(w, "Sentinel Status - %s\n\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Fprintln(w, "Detection:")
	fmt.Fprintf(w, "  Fitted           : %t\n", r.Fitted)
	fmt.Fprintf(w, "  Threshold        : %.3f\n", r.Threshold)
	fmt.Fprintf(w, "  Detections       : %s\n", humanize.Comma(int64(s.TotalDetections)))
	fmt.Fprintf(w, "  Anomalies        : %s (%.1f%%)\n", humanize.Comma(int64(s.TotalAnomalies)), s.AnomalyRate*100)
	fmt.Fprintf(w, "  Average Score    : %.3f\n", s.AverageScore)

	if len(s.ThreatDistribution) > 0 {
		fmt.Fprintln(w, "\nThreats:")
		threats := make([]string, 0, len(s.ThreatDistribution))
		for t := range s.ThreatDistribution {
			threats = append(threats, string(t))
		}
		sort.Strings(threats)
		for _, t := range threats {
			fmt.Fprintf(w, "  %-22s: %d\n", t, s.ThreatDistribution[sentinel.ThreatType(t)])
		}
	}
	if len(s.SeverityDistribution) > 0 {
		fmt.Fprintln(w, "\nSeverities:")
		for _, sev := range []sentinel.Severity{sentinel.SeverityCritical, sentinel.SeverityHigh, sentinel.SeverityMedium, sentinel.SeverityLow} {
			if n := s.SeverityDistribution[sev]; n > 0 {
				fmt.Fprintf(w, "  %-22s: %d\n", sev, n)
			}
		}
	}

	fmt.Fprintln(w, "\nCircuit Breakers:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  RESOURCE\tSTATE\tFAILURES\tLAST FAILURE\tREASON")
	for _, b := range r.Breakers {
		last := "-"
		if b.LastFailure != nil {
			last = humanize.Time(*b.LastFailure)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\t%s\n", b.Name, b.State, b.Failures, last, b.Reason)
	}
	return tw.Flush()
}

func runReset(cmd *cobra.Command, args []string) error {
	c := newClient(cmd)
	var snap breaker.Snapshot
	if err := c.call(cmd.Context(), http.MethodPost, "/resources/"+args[0]+"/breaker/reset", &snap); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s breaker is %s\n", snap.Name, snap.State)
	return nil
}
