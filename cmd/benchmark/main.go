// Benchmark tool for load-testing Kestrel's scoring and monitoring pipeline.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -businesses 100 -rounds 10
//
// This tool:
//  1. Creates monitoring profiles for N synthetic businesses
//  2. Posts repeated score computations with drifting component metrics
//  3. Measures scoring latency and throughput
//  4. Reports how many alerts the monitoring pipeline produced
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ScoreRequest is the Kestrel API request format.
type ScoreRequest struct {
	BusinessID      string     `json:"businessId"`
	Components      Components `json:"components"`
	MonthlyTurnover float64    `json:"monthlyTurnover"`
}

type Components struct {
	Financial  *float64 `json:"financial,omitempty"`
	Payment    *float64 `json:"payment,omitempty"`
	Stability  *float64 `json:"stability,omitempty"`
	Compliance *float64 `json:"compliance,omitempty"`
}

// ScoreResponse is the Kestrel API response format.
type ScoreResponse struct {
	ID             string  `json:"id"`
	CompositeScore int     `json:"compositeScore"`
	Grade          string  `json:"grade"`
	RiskCategory   string  `json:"riskCategory"`
	RecommendedLim float64 `json:"recommendedLimit"`
}

// ProfileRequest creates a monitoring profile.
type ProfileRequest struct {
	BusinessID       string   `json:"businessId"`
	ScoreFloor       int      `json:"scoreFloor"`
	ScoreCeiling     int      `json:"scoreCeiling"`
	ScoreDrift       int      `json:"scoreDrift"`
	PaymentDelayDays int      `json:"paymentDelayDays"`
	OverdueAmount    float64  `json:"overdueAmount"`
	Categories       []string `json:"categories"`
	Frequency        string   `json:"frequency"`
	Channels         struct {
		Email bool `json:"email"`
		InApp bool `json:"inApp"`
	} `json:"channels"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TotalScored int64
	TotalErrors int64
	LatencyMs   int64
	ScoreSum    int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	businesses := flag.Int("businesses", 100, "Number of synthetic businesses")
	rounds := flag.Int("rounds", 10, "Scoring rounds per business")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each score result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║         KESTREL BENCHMARK - Scoring & Monitoring Load         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL:  %s\n", *baseURL)
	fmt.Printf("Tenant ID:    %s\n", *tenantID)
	fmt.Printf("Businesses:   %d\n", *businesses)
	fmt.Printf("Rounds:       %d\n", *rounds)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	client := &http.Client{Timeout: 10 * time.Second}

	// Create monitoring profiles so scoring rounds exercise the
	// monitoring pipeline end to end.
	fmt.Printf("\nCreating %d monitoring profiles...\n", *businesses)
	created := 0
	for i := 0; i < *businesses; i++ {
		if err := createProfile(client, *baseURL, *tenantID, businessID(i)); err != nil {
			if *verbose {
				fmt.Printf("profile %s: %v\n", businessID(i), err)
			}
			continue
		}
		created++
	}
	fmt.Printf("✓ Created %d profiles\n", created)

	// Run benchmark
	fmt.Printf("\nRunning %d scoring rounds with %d workers...\n", *rounds, *workers)
	startTime := time.Now()
	metrics := runBenchmark(client, *baseURL, *tenantID, *businesses, *rounds, *workers, *verbose)
	duration := time.Since(startTime)

	// Count alerts the pipeline produced (async workers may still be
	// draining, give them a moment)
	time.Sleep(2 * time.Second)
	alertCount := countAlerts(client, *baseURL, *tenantID)

	printResults(metrics, duration, alertCount)
}

func businessID(i int) string {
	return fmt.Sprintf("bench-biz-%04d", i)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func createProfile(client *http.Client, baseURL, tenantID, bizID string) error {
	req := ProfileRequest{
		BusinessID:       bizID,
		ScoreFloor:       450,
		ScoreCeiling:     950,
		ScoreDrift:       50,
		PaymentDelayDays: 30,
		OverdueAmount:    10000,
		Categories:       []string{"score_band", "score_drift"},
		Frequency:        "immediate",
	}
	req.Channels.InApp = true

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/profiles", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 409 means the profile survived a previous run, which is fine
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(client *http.Client, baseURL, tenantID string, businesses, rounds, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	type job struct {
		bizID string
		round int
	}

	work := make(chan job, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &http.Client{Timeout: 10 * time.Second}

			for j := range work {
				start := time.Now()
				result, err := postScore(c, baseURL, tenantID, j.bizID, j.round)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.LatencyMs, elapsed)
				atomic.AddInt64(&metrics.TotalScored, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s round %d -> %v\n", j.bizID, j.round, err)
					}
					continue
				}

				atomic.AddInt64(&metrics.ScoreSum, int64(result.CompositeScore))

				if verbose {
					fmt.Printf("✓ %-14s | round %2d | score %4d | grade %-3s | risk %s\n",
						j.bizID, j.round, result.CompositeScore, result.Grade, result.RiskCategory)
				}
			}
		}()
	}

	// Interleave rounds so each business sees a drifting score series,
	// not a burst
	for r := 0; r < rounds; r++ {
		for b := 0; b < businesses; b++ {
			work <- job{bizID: businessID(b), round: r}
		}
	}
	close(work)

	wg.Wait()

	return metrics
}

// postScore submits one scoring round. Components drift with the round
// number so successive scores cross drift and band thresholds.
func postScore(client *http.Client, baseURL, tenantID, bizID string, round int) (*ScoreResponse, error) {
	base := 400.0 + float64((round*97)%500)
	fin := clampComponent(base + 50)
	pay := clampComponent(base - 30)
	stab := clampComponent(base + 10)
	comp := clampComponent(base + 80)

	req := ScoreRequest{
		BusinessID: bizID,
		Components: Components{
			Financial:  &fin,
			Payment:    &pay,
			Stability:  &stab,
			Compliance: &comp,
		},
		MonthlyTurnover: 250000,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/scores", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func clampComponent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}

func countAlerts(client *http.Client, baseURL, tenantID string) int {
	httpReq, err := http.NewRequest(http.MethodGet, baseURL+"/alerts?limit=10000", nil)
	if err != nil {
		return -1
	}
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return -1
	}
	defer resp.Body.Close()

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return -1
	}
	return body.Count
}

func printResults(m *Metrics, duration time.Duration, alertCount int) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 SCORING\n")
	fmt.Printf("   Total Scored:   %d\n", m.TotalScored)
	fmt.Printf("   Errors:         %d\n", m.TotalErrors)
	if ok := m.TotalScored - m.TotalErrors; ok > 0 {
		fmt.Printf("   Avg Score:      %d\n", m.ScoreSum/ok)
	}

	fmt.Printf("\n🔔 MONITORING\n")
	if alertCount >= 0 {
		fmt.Printf("   Alerts Emitted: %d\n", alertCount)
	} else {
		fmt.Printf("   Alerts Emitted: (unavailable)\n")
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration: %v\n", duration.Round(time.Millisecond))
	if m.TotalScored > 0 {
		avgMs := float64(m.LatencyMs) / float64(m.TotalScored)
		tps := float64(m.TotalScored) / duration.Seconds()
		fmt.Printf("   Avg Latency:    %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:     %.2f scores/sec\n", tps)
	}

	fmt.Println()
}
