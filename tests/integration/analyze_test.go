//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running AegisFlow
// server with a model bundle loaded.
//
// These tests verify the complete scoring path:
//
//	Transaction -> Features -> Scaler -> Trees + Forest -> Verdict -> Record
//
// Run with:
//
//	go run ./cmd/trainer -out ./models
//	go run ./cmd/aegisflow &
//	go test -tags=integration -v ./tests/integration/...
//
// The exact verdicts depend on the trained bundle, so these tests assert the
// contract every bundle must satisfy rather than fixed scores:
//
//   - risk_score is a probability in [0, 1]
//   - DENY iff risk_score > 0.8
//   - REVIEW iff not DENY and (risk_score > 0.4 or anomaly_detected)
//   - explanation holds at most 5 features, ordered by |impact| descending
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig(t *testing.T) TestConfig {
	t.Helper()

	baseURL := os.Getenv("AEGISFLOW_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		t.Skipf("AegisFlow not reachable at %s: %v", baseURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Skipf("AegisFlow at %s has no model loaded (status %d)", baseURL, resp.StatusCode)
	}

	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "integration-tenant",
	}
}

// ============================================================================
// API Request/Response Types (matching the AegisFlow API contract)
// ============================================================================

// AnalyzeRequest is the transaction sent to POST /analyze
type AnalyzeRequest struct {
	ID             string  `json:"id,omitempty"`
	NameOrig       string  `json:"nameOrig,omitempty"`
	NameDest       string  `json:"nameDest,omitempty"`
	Type           string  `json:"type"`
	Amount         float64 `json:"amount"`
	OldBalanceOrg  float64 `json:"oldbalanceOrg"`
	NewBalanceOrig float64 `json:"newbalanceOrig"`
	OldBalanceDest float64 `json:"oldbalanceDest"`
	NewBalanceDest float64 `json:"newbalanceDest"`
	Time           string  `json:"transaction_time,omitempty"`
}

type Attribution struct {
	Feature string  `json:"feature"`
	Impact  float64 `json:"impact"`
	Value   float64 `json:"value"`
}

// AnalyzeResponse is what POST /analyze returns
type AnalyzeResponse struct {
	TxID            string        `json:"txId"`
	RiskScore       float64       `json:"risk_score"`
	Verdict         string        `json:"verdict"`
	AnomalyDetected bool          `json:"anomaly_detected"`
	Explanation     []Attribution `json:"explanation"`
	RiskLevel       string        `json:"risk_level"`
	IsFlagged       bool          `json:"is_flagged"`
	ModelVersion    string        `json:"model_version"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func post(t *testing.T, config TestConfig, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, config.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if config.TenantID != "" {
		httpReq.Header.Set("X-Tenant-ID", config.TenantID)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp, respBody
}

func analyze(t *testing.T, config TestConfig, req AnalyzeRequest) AnalyzeResponse {
	t.Helper()

	resp, body := post(t, config, "/analyze", req, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(body))
	}

	var result AnalyzeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

func expectedVerdict(score float64, anomaly bool) string {
	switch {
	case score > 0.8:
		return "DENY"
	case score > 0.4 || anomaly:
		return "REVIEW"
	default:
		return "ALLOW"
	}
}

func checkContract(t *testing.T, result AnalyzeResponse) {
	t.Helper()

	if result.TxID == "" {
		t.Error("Missing txId")
	}
	if result.RiskScore < 0 || result.RiskScore > 1 || math.IsNaN(result.RiskScore) {
		t.Errorf("risk_score out of range: %v", result.RiskScore)
	}
	if want := expectedVerdict(result.RiskScore, result.AnomalyDetected); result.Verdict != want {
		t.Errorf("verdict %s inconsistent with score=%.4f anomaly=%v (want %s)",
			result.Verdict, result.RiskScore, result.AnomalyDetected, want)
	}
	if len(result.Explanation) > 5 {
		t.Errorf("Expected at most 5 attributions, got %d", len(result.Explanation))
	}
	for i := 1; i < len(result.Explanation); i++ {
		if math.Abs(result.Explanation[i].Impact) > math.Abs(result.Explanation[i-1].Impact) {
			t.Errorf("explanation not ordered by |impact|: %v", result.Explanation)
			break
		}
	}
	if result.ModelVersion == "" {
		t.Error("Missing model_version")
	}
}

// ============================================================================
// SCENARIO 1: Representative transactions satisfy the verdict contract
// ============================================================================

func TestVerdictContract(t *testing.T) {
	config := getTestConfig(t)

	cases := []struct {
		name string
		req  AnalyzeRequest
	}{
		{
			// Small payment that leaves balances consistent
			name: "small payment",
			req: AnalyzeRequest{
				NameOrig: "C-int-001", NameDest: "M-int-001",
				Type: "PAYMENT", Amount: 120,
				OldBalanceOrg: 5000, NewBalanceOrig: 4880,
				Time: "2024-03-01T14:00:00Z",
			},
		},
		{
			// Account drained by a night transfer to an empty destination
			name: "draining transfer",
			req: AnalyzeRequest{
				NameOrig: "C-int-002", NameDest: "C-int-003",
				Type: "TRANSFER", Amount: 250000,
				OldBalanceOrg: 250000, NewBalanceOrig: 0,
				Time: "2024-03-01T03:00:00Z",
			},
		},
		{
			name: "cash out without timestamp",
			req: AnalyzeRequest{
				NameOrig: "C-int-004", NameDest: "C-int-005",
				Type: "CASH_OUT", Amount: 9000,
				OldBalanceOrg: 20000, NewBalanceOrig: 11000,
				OldBalanceDest: 1000, NewBalanceDest: 10000,
			},
		},
		{
			name: "large deposit",
			req: AnalyzeRequest{
				NameOrig: "C-int-006", NameDest: "C-int-007",
				Type: "CASH_IN", Amount: 900000,
				OldBalanceOrg: 10, NewBalanceOrig: 900010,
				Time: "2024-03-01T12:00:00Z",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := analyze(t, config, tc.req)
			checkContract(t, result)
			t.Logf("%s: verdict=%s score=%.4f anomaly=%v risk_level=%s",
				tc.name, result.Verdict, result.RiskScore, result.AnomalyDetected, result.RiskLevel)
		})
	}
}

// ============================================================================
// SCENARIO 2: Determinism
// ============================================================================

func TestScoringIsDeterministic(t *testing.T) {
	config := getTestConfig(t)

	req := AnalyzeRequest{
		NameOrig: "C-det-001", NameDest: "C-det-002",
		Type: "TRANSFER", Amount: 4200,
		OldBalanceOrg: 8000, NewBalanceOrig: 3800,
		Time: "2024-03-02T10:00:00Z",
	}

	first := analyze(t, config, req)
	second := analyze(t, config, req)

	if first.RiskScore != second.RiskScore || first.Verdict != second.Verdict {
		t.Errorf("identical inputs scored differently: %.6f/%s vs %.6f/%s",
			first.RiskScore, first.Verdict, second.RiskScore, second.Verdict)
	}
	if first.TxID == second.TxID {
		t.Errorf("expected distinct generated tx IDs, both were %s", first.TxID)
	}
}

// ============================================================================
// SCENARIO 3: Persistence and idempotency
// ============================================================================

func TestScoredTransactionIsStored(t *testing.T) {
	config := getTestConfig(t)

	txID := fmt.Sprintf("int-stored-%d", time.Now().UnixNano())
	result := analyze(t, config, AnalyzeRequest{
		ID: txID, NameOrig: "C-store-001", NameDest: "M-store-001",
		Type: "PAYMENT", Amount: 75, OldBalanceOrg: 1000, NewBalanceOrig: 925,
	})
	if result.TxID != txID {
		t.Fatalf("Expected txId %s, got %s", txID, result.TxID)
	}

	httpReq, _ := http.NewRequest(http.MethodGet, config.BaseURL+"/transactions/"+txID, nil)
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected stored transaction, got status %d", resp.StatusCode)
	}

	var stored AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		t.Fatalf("Failed to decode stored record: %v", err)
	}
	if stored.Verdict != result.Verdict || stored.RiskScore != result.RiskScore {
		t.Errorf("stored record differs: %s/%.4f vs %s/%.4f",
			stored.Verdict, stored.RiskScore, result.Verdict, result.RiskScore)
	}
}

func TestIdempotencyKeyReplays(t *testing.T) {
	config := getTestConfig(t)

	key := fmt.Sprintf("int-idem-%d", time.Now().UnixNano())
	req := AnalyzeRequest{
		NameOrig: "C-idem-001", NameDest: "M-idem-001",
		Type: "PAYMENT", Amount: 33, OldBalanceOrg: 500, NewBalanceOrig: 467,
	}
	headers := map[string]string{"Idempotency-Key": key}

	resp1, body1 := post(t, config, "/analyze", req, headers)
	resp2, body2 := post(t, config, "/analyze", req, headers)

	if resp1.StatusCode != http.StatusOK || resp2.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200s, got %d and %d", resp1.StatusCode, resp2.StatusCode)
	}
	if resp2.Header.Get("Idempotent-Replayed") != "true" {
		t.Error("Expected second response to be marked as replayed")
	}

	var r1, r2 AnalyzeResponse
	_ = json.Unmarshal(body1, &r1)
	_ = json.Unmarshal(body2, &r2)
	if r1.TxID != r2.TxID {
		t.Errorf("Expected replayed txId %s, got %s", r1.TxID, r2.TxID)
	}
}

// ============================================================================
// SCENARIO 4: Input Validation
// ============================================================================

func TestInvalidInput_Rejected(t *testing.T) {
	config := getTestConfig(t)

	cases := []struct {
		name string
		req  AnalyzeRequest
	}{
		{"zero amount", AnalyzeRequest{Type: "PAYMENT", Amount: 0}},
		{"negative amount", AnalyzeRequest{Type: "PAYMENT", Amount: -5}},
		{"negative balance", AnalyzeRequest{Type: "PAYMENT", Amount: 5, OldBalanceOrg: -1}},
		{"unknown type", AnalyzeRequest{Type: "WIRE", Amount: 5}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := post(t, config, "/analyze", tc.req, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", resp.StatusCode, string(body))
			}
		})
	}
}

func TestMissingTenantHeader_Error(t *testing.T) {
	config := getTestConfig(t)
	config.TenantID = ""

	resp, _ := post(t, config, "/analyze", AnalyzeRequest{Type: "PAYMENT", Amount: 10}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing tenant, got %d", resp.StatusCode)
	}
}

// ============================================================================
// SCENARIO 5: Model info
// ============================================================================

func TestModelInfo(t *testing.T) {
	config := getTestConfig(t)

	resp, err := http.Get(config.BaseURL + "/model")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var info struct {
		Version  string `json:"version"`
		Features int    `json:"features"`
		Trees    int    `json:"trees"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("Failed to decode model info: %v", err)
	}
	if info.Version == "" {
		t.Errorf("Expected a versioned model, got %+v", info)
	}
	if info.Features == 0 || info.Trees == 0 {
		t.Errorf("Expected features and trees in model info, got %+v", info)
	}
}
