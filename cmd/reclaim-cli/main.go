package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/reclaimly/backend/internal/core"
	"github.com/reclaimly/backend/internal/policy"
	"github.com/reclaimly/backend/internal/rules"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("RECLAIMLY_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	apiKey := os.Getenv("RECLAIMLY_API_KEY")
	sellerID := os.Getenv("RECLAIMLY_SELLER_ID")

	switch os.Args[1] {
	case "detect":
		cmdDetect()
	case "trigger":
		cmdTrigger(gateway, apiKey, sellerID)
	case "queue":
		cmdQueue(gateway, apiKey, sellerID)
	case "version":
		fmt.Printf("reclaim-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Reclaimly Detection CLI v` + version + `

Usage: reclaim <command> [flags]

Commands:
  detect    Run the rule pipeline over a local snapshot file
  trigger   Trigger a detection pass through the gateway
  queue     Show gateway queue statistics
  version   Print version
  help      Show this help

Environment:
  RECLAIMLY_GATEWAY_URL   Gateway URL (default: http://localhost:8080)
  RECLAIMLY_API_KEY       API key for authentication
  RECLAIMLY_SELLER_ID     Seller ID for gateway commands

Examples:
  reclaim detect --snapshot snapshot.json
  reclaim detect --snapshot snapshot.json --context thresholds.json --json
  reclaim trigger --sync sync-20260301
  reclaim queue`)
}

// ----------------------------------------------------------------
// detect command
// ----------------------------------------------------------------

func cmdDetect() {
	var snapshotPath, contextPath string
	asJSON := false

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--snapshot", "-s":
			i++
			if i < len(args) {
				snapshotPath = args[i]
			}
		case "--context", "-c":
			i++
			if i < len(args) {
				contextPath = args[i]
			}
		case "--json":
			asJSON = true
		}
	}

	if snapshotPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --snapshot is required")
		os.Exit(1)
	}

	input, err := loadSnapshot(snapshotPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load snapshot: %v\n", err)
		os.Exit(1)
	}

	ctx := core.RuleContext{SellerID: input.SellerID}
	if contextPath != "" {
		if err := loadRuleContext(contextPath, &ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load rule context: %v\n", err)
			os.Exit(1)
		}
		ctx.SellerID = input.SellerID
	}

	tracker := policy.NewTracker(policy.DefaultClaimPolicies(), policy.DefaultUSHolidays())

	var findings []core.Anomaly
	for _, rule := range rules.Registry() {
		findings = append(findings, rule.Apply(input, ctx)...)
	}
	for i := range findings {
		w := tracker.CalculateWindow(findings[i].ClaimType, findings[i].DiscoveryDate)
		findings[i].DeadlineDate = w.DeadlineDate
		findings[i].DaysRemaining = w.DaysRemaining
		findings[i].Expired = w.IsExpired
		findings[i].FilingRecommendation = string(w.FilingRecommendation)
	}

	if asJSON {
		out, _ := json.MarshalIndent(findings, "", "  ")
		fmt.Println(string(out))
		return
	}

	if len(findings) == 0 {
		fmt.Println("No anomalies detected.")
		return
	}

	total := 0.0
	fmt.Printf("%-22s %-8s %9s %6s  %s\n", "RULE", "SEVERITY", "VALUE", "DAYS", "SUMMARY")
	for _, a := range findings {
		fmt.Printf("%-22s %-8s %9.2f %6d  %s\n",
			a.RuleType, a.Severity, a.EstimatedValue, a.DaysRemaining, a.Summary)
		total += a.EstimatedValue
	}
	fmt.Printf("\n%d anomalies, estimated recovery $%.2f\n", len(findings), total)
}

func loadSnapshot(path string) (*core.RuleInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var input core.RuleInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, err
	}
	if input.SellerID == "" {
		input.SellerID = "cli-local"
	}
	if input.SyncID == "" {
		input.SyncID = fmt.Sprintf("cli-%d", time.Now().Unix())
	}
	return &input, nil
}

func loadRuleContext(path string, ctx *core.RuleContext) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, ctx)
}

// ----------------------------------------------------------------
// trigger command
// ----------------------------------------------------------------

func cmdTrigger(gateway, apiKey, sellerID string) {
	var syncID, priority string

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--sync":
			i++
			if i < len(args) {
				syncID = args[i]
			}
		case "--priority", "-p":
			i++
			if i < len(args) {
				priority = args[i]
			}
		}
	}

	if syncID == "" {
		fmt.Fprintln(os.Stderr, "Error: --sync is required")
		os.Exit(1)
	}
	if priority == "" {
		priority = "normal"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"sync_id":  syncID,
		"priority": priority,
	})

	resp, err := doRequest("POST", gateway+"/api/v1/detections/trigger", body, apiKey, sellerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)

	switch result["mode"] {
	case "queued":
		job, _ := result["job"].(map[string]interface{})
		fmt.Printf("QUEUED | job=%s priority=%s\n", job["id"], job["priority"])
	case "inline":
		anomalies, _ := result["anomalies"].([]interface{})
		fmt.Printf("INLINE | findings=%d\n", len(anomalies))
	default:
		fmt.Printf("%v\n", result)
	}
}

// ----------------------------------------------------------------
// queue command
// ----------------------------------------------------------------

func cmdQueue(gateway, apiKey, sellerID string) {
	resp, err := doRequest("GET", gateway+"/api/v1/queue-stats", nil, apiKey, sellerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)

	metrics, _ := result["metrics"].(map[string]interface{})
	fmt.Printf("Status:    %v\n", result["status"])
	fmt.Printf("Waiting:   %v\n", metrics["waiting"])
	fmt.Printf("Active:    %v\n", metrics["active"])
	fmt.Printf("Completed: %v\n", metrics["completed"])
	fmt.Printf("Failed:    %v\n", metrics["failed"])
	fmt.Printf("Delayed:   %v\n", metrics["delayed"])
}

// ----------------------------------------------------------------
// shared
// ----------------------------------------------------------------

func doRequest(method, url string, body []byte, apiKey, sellerID string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if sellerID != "" {
		req.Header.Set("X-Seller-ID", sellerID)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(out))
	}
	return out, nil
}
