// Benchmark tool for testing AegisFlow against PaySim fraud data.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// This tool:
//  1. Reads PaySim transaction data (with fraud labels)
//  2. Sends each transaction to POST /analyze
//  3. Treats REVIEW and DENY as a positive prediction
//  4. Reports the confusion matrix, precision, recall, F1 and fraud exposure
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/opensource-finance/aegisflow/internal/domain"
	"github.com/opensource-finance/aegisflow/internal/training"
)

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "AegisFlow base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only test fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|        AEGISFLOW BENCHMARK - PaySim Fraud Detection           |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	if err := checkReady(*baseURL); err != nil {
		fmt.Printf("ERROR: AegisFlow not ready at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure AegisFlow is running with a model bundle:")
		fmt.Println("  go run ./cmd/trainer -out ./models && go run ./cmd/aegisflow")
		os.Exit(1)
	}
	fmt.Println("OK  AegisFlow is ready")

	fmt.Printf("\nReading PaySim data from %s...\n", *csvPath)
	samples, skipped, err := readPaySim(*csvPath, *limit, *fraudOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(samples) == 0 {
		fmt.Println("ERROR: no usable transactions in CSV")
		os.Exit(1)
	}
	fmt.Printf("OK  Loaded %d transactions (%d invalid rows skipped)\n", len(samples), skipped)

	fraudCount := 0
	for _, s := range samples {
		if s.Fraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(samples)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(samples)-fraudCount, 100*float64(len(samples)-fraudCount)/float64(len(samples)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	tally := runBenchmark(samples, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(tally, duration)
}

func checkReady(baseURL string) error {
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	return nil
}

// readPaySim loads labelled samples. Non-fraud rows are kept at sampleRate
// using a deterministic 1-in-100 stride.
func readPaySim(path string, limit int, fraudOnly bool, sampleRate float64) ([]training.Sample, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	var samples []training.Sample
	sampleCounter := 0
	skipped, err := training.ReadPaySim(file, 0, func(rec training.PaySimRecord) error {
		if limit > 0 && len(samples) >= limit {
			return errStop
		}
		s := rec.Sample
		if fraudOnly && !s.Fraud {
			return nil
		}
		if !s.Fraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				return nil
			}
		}
		samples = append(samples, s)
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return samples, skipped, err
}

var errStop = errors.New("limit reached")

func runBenchmark(samples []training.Sample, baseURL, tenantID string, numWorkers int, verbose bool) *Tally {
	tally := &Tally{}

	work := make(chan training.Sample, 100)
	var wg sync.WaitGroup
	var printMu sync.Mutex

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for s := range work {
				start := time.Now()
				result, err := analyze(client, baseURL, tenantID, &s.Tx)
				elapsed := time.Since(start)

				if err != nil {
					tally.Error(elapsed)
					if verbose {
						printMu.Lock()
						fmt.Printf("ERROR: %s -> %v\n", s.Tx.OriginAccount, err)
						printMu.Unlock()
					}
					continue
				}

				predicted := Positive(result.Verdict)
				tally.Add(s.Fraud, predicted, s.Tx.Amount, elapsed)

				if verbose {
					mark := "ok "
					if predicted != s.Fraud {
						mark = "ERR"
					}
					name := s.Tx.OriginAccount
					if len(name) > 10 {
						name = name[:10]
					}
					printMu.Lock()
					fmt.Printf("%s %-10s | Type: %-8s | Amount: %12.2f | Fraud: %-5v | Verdict: %-6s (%.3f) | Anomaly: %v\n",
						mark,
						name,
						s.Tx.Type,
						s.Tx.Amount,
						s.Fraud,
						result.Verdict,
						result.RiskScore,
						result.AnomalyDetected,
					)
					printMu.Unlock()
				}
			}
		}()
	}

	for _, s := range samples {
		work <- s
	}
	close(work)
	wg.Wait()

	return tally
}

func analyze(client *http.Client, baseURL, tenantID string, tx *domain.Transaction) (*domain.AnalyzeResponse, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/analyze", bytes.NewReader(body))
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

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result domain.AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if result.Assessment == nil {
		return nil, errors.New("empty assessment")
	}
	return &result, nil
}

func printResults(t *Tally, duration time.Duration) {
	s := t.Snapshot()

	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                      BENCHMARK RESULTS                        |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", s.Processed)
	fmt.Printf("   Total Fraud:      %d\n", s.TruePositives+s.FalseNegatives)
	fmt.Printf("   Total Non-Fraud:  %d\n", s.FalsePositives+s.TrueNegatives)
	fmt.Printf("   Errors:           %d\n", s.Errors)

	fmt.Printf("\nCONFUSION MATRIX (REVIEW/DENY = positive)\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    POS         NEG")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  F  | %8d | %8d |  (TP, FN)\n", s.TruePositives, s.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("          NF  | %8d | %8d |  (FP, TN)\n", s.FalsePositives, s.TrueNegatives)
	fmt.Println("              +----------+----------+")

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were actual fraud)\n", s.Precision())
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", s.Recall())
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", s.F1())
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", s.Accuracy())

	fmt.Printf("\nFRAUD EXPOSURE\n")
	fmt.Printf("   Amount Caught:     %s\n", s.AmountCaught.StringFixed(2))
	fmt.Printf("   Amount Missed:     %s\n", s.AmountMissed.StringFixed(2))
	fmt.Printf("   Amount Recall:     %s%%\n", s.AmountRecallPercent().StringFixed(2))

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if s.Processed > 0 {
		avgMs := float64(s.Latency.Milliseconds()) / float64(s.Processed)
		tps := float64(s.Processed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}
