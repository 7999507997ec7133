package main

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

func TestPositive(t *testing.T) {
	tests := []struct {
		verdict domain.Verdict
		want    bool
	}{
		{domain.VerdictAllow, false},
		{domain.VerdictReview, true},
		{domain.VerdictDeny, true},
		{"", false},
	}
	for _, tt := range tests {
		if got := Positive(tt.verdict); got != tt.want {
			t.Errorf("Positive(%q) = %v, want %v", tt.verdict, got, tt.want)
		}
	}
}

func TestTally(t *testing.T) {
	tally := &Tally{}
	tally.Add(true, true, 100.10, time.Millisecond)
	tally.Add(true, true, 0.20, time.Millisecond)
	tally.Add(true, false, 50.05, time.Millisecond)
	tally.Add(false, true, 10, time.Millisecond)
	tally.Add(false, false, 10, time.Millisecond)
	tally.Add(false, false, 10, time.Millisecond)
	tally.Error(time.Millisecond)

	s := tally.Snapshot()
	if s.TruePositives != 2 || s.FalseNegatives != 1 || s.FalsePositives != 1 || s.TrueNegatives != 2 {
		t.Fatalf("unexpected confusion matrix %+v", s)
	}
	if s.Processed != 7 || s.Errors != 1 {
		t.Errorf("expected 7 processed and 1 error, got %d and %d", s.Processed, s.Errors)
	}

	if got := s.Precision(); math.Abs(got-2.0/3.0) > 1e-12 {
		t.Errorf("precision = %v", got)
	}
	if got := s.Recall(); math.Abs(got-2.0/3.0) > 1e-12 {
		t.Errorf("recall = %v", got)
	}
	if got := s.F1(); math.Abs(got-2.0/3.0) > 1e-12 {
		t.Errorf("f1 = %v", got)
	}
	if got := s.Accuracy(); math.Abs(got-4.0/6.0) > 1e-12 {
		t.Errorf("accuracy = %v", got)
	}

	// Decimal sums do not drift: 100.10 + 0.20 is exactly 100.30.
	if got := s.AmountCaught.StringFixed(2); got != "100.30" {
		t.Errorf("amount caught = %s, want 100.30", got)
	}
	if got := s.AmountMissed.StringFixed(2); got != "50.05" {
		t.Errorf("amount missed = %s, want 50.05", got)
	}
}

func TestTallyEmpty(t *testing.T) {
	s := (&Tally{}).Snapshot()
	if s.Precision() != 0 || s.Recall() != 0 || s.F1() != 0 || s.Accuracy() != 0 {
		t.Error("expected zero metrics for empty tally")
	}
	if !s.AmountRecallPercent().IsZero() {
		t.Error("expected zero amount recall for empty tally")
	}
}

func TestTallyConcurrent(t *testing.T) {
	tally := &Tally{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				tally.Add(true, true, 1.01, 0)
			}
		}()
	}
	wg.Wait()

	s := tally.Snapshot()
	if s.TruePositives != 1000 {
		t.Errorf("expected 1000 true positives, got %d", s.TruePositives)
	}
	if got := s.AmountCaught.StringFixed(2); got != "1010.00" {
		t.Errorf("amount caught = %s, want 1010.00", got)
	}
}

func TestReadPaySimFilters(t *testing.T) {
	csv := "step,type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest,isFraud,isFlaggedFraud\n" +
		"1,PAYMENT,100.0,C1,1000,900,M1,0,0,0,0\n" +
		"1,TRANSFER,500.0,C2,500,0,C3,0,0,1,0\n" +
		"1,CASH_OUT,500.0,C3,500,0,C4,0,500,1,0\n" +
		"2,PAYMENT,50.0,C5,100,50,M2,0,0,0,0\n"
	path := filepath.Join(t.TempDir(), "paysim.csv")
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	all, _, err := readPaySim(path, 0, false, 1.0)
	if err != nil {
		t.Fatalf("readPaySim failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 samples, got %d", len(all))
	}

	fraud, _, err := readPaySim(path, 0, true, 1.0)
	if err != nil {
		t.Fatalf("readPaySim failed: %v", err)
	}
	if len(fraud) != 2 {
		t.Errorf("expected 2 fraud samples, got %d", len(fraud))
	}

	limited, _, err := readPaySim(path, 3, false, 1.0)
	if err != nil {
		t.Fatalf("readPaySim failed: %v", err)
	}
	if len(limited) != 3 {
		t.Errorf("expected 3 samples with limit, got %d", len(limited))
	}
}
