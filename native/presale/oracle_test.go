package presale

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"testing"
	"time"
)

func TestDecimalToRate(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "integer", input: "2000", want: "200000000000"},
		{name: "fractional", input: "2000.25", want: "200025000000"},
		{name: "sub-cent", input: "0.00001234", want: "1234"},
		{name: "whitespace", input: "  3 ", want: "300000000"},
		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "not-a-number", wantErr: true},
		{name: "negative", input: "-1", wantErr: true},
		{name: "zero", input: "0", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decimalToRate(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("decimalToRate(%q): %v", tc.input, err)
			}
			if got.String() != tc.want {
				t.Fatalf("rate %s, want %s", got, tc.want)
			}
		})
	}
}

func TestManualOracle(t *testing.T) {
	oracle := NewManualOracle()
	if _, err := oracle.CurrentRate(); err == nil {
		t.Fatalf("expected error before any reading is recorded")
	}

	ts := time.Unix(1_700_000_000, 0)
	if err := oracle.SetDecimal("2000", ts); err != nil {
		t.Fatalf("set decimal: %v", err)
	}
	reading, err := oracle.CurrentRate()
	if err != nil {
		t.Fatalf("current rate: %v", err)
	}
	if reading.Rate.String() != "200000000000" {
		t.Fatalf("rate %s", reading.Rate)
	}
	if !reading.UpdatedAt.Equal(ts) || reading.Source != "manual" {
		t.Fatalf("unexpected reading: %+v", reading)
	}

	// The stored reading is isolated from caller mutations.
	reading.Rate.SetInt64(0)
	fresh, _ := oracle.CurrentRate()
	if fresh.Rate.Sign() == 0 {
		t.Fatalf("caller mutation leaked into the oracle")
	}
}

type stubDoer struct {
	lastReq *http.Request
	status  int
	body    string
	err     error
}

func (s *stubDoer) Do(req *http.Request) (*http.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(bytes.NewBufferString(s.body)),
	}, nil
}

func TestHTTPOracle(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		doer := &stubDoer{status: http.StatusOK, body: `{"rate":"2000.25","timestamp":1700000000}`}
		oracle := NewHTTPOracle(doer, "https://quotes.example/v1/rate", "secret", "NATIVE-USD")
		reading, err := oracle.CurrentRate()
		if err != nil {
			t.Fatalf("current rate: %v", err)
		}
		if reading.Rate.String() != "200025000000" {
			t.Fatalf("rate %s", reading.Rate)
		}
		if reading.UpdatedAt.Unix() != 1_700_000_000 || reading.Source != "http" {
			t.Fatalf("unexpected reading: %+v", reading)
		}
		if doer.lastReq.Header.Get("x-api-key") != "secret" {
			t.Fatalf("api key header missing")
		}
		if doer.lastReq.URL.Query().Get("pair") != "NATIVE-USD" {
			t.Fatalf("pair query missing: %s", doer.lastReq.URL)
		}
	})

	t.Run("upstream error status", func(t *testing.T) {
		doer := &stubDoer{status: http.StatusBadGateway, body: "upstream down"}
		oracle := NewHTTPOracle(doer, "https://quotes.example/v1/rate", "", "")
		if _, err := oracle.CurrentRate(); err == nil {
			t.Fatalf("expected error for non-200 status")
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		doer := &stubDoer{err: fmt.Errorf("connection refused")}
		oracle := NewHTTPOracle(doer, "https://quotes.example/v1/rate", "", "")
		if _, err := oracle.CurrentRate(); err == nil {
			t.Fatalf("expected transport error")
		}
	})

	t.Run("invalid payload", func(t *testing.T) {
		doer := &stubDoer{status: http.StatusOK, body: `{"rate":"","timestamp":0}`}
		oracle := NewHTTPOracle(doer, "https://quotes.example/v1/rate", "", "")
		if _, err := oracle.CurrentRate(); err == nil {
			t.Fatalf("expected error for empty rate")
		}
	})

	t.Run("unconfigured", func(t *testing.T) {
		oracle := NewHTTPOracle(nil, "", "", "")
		if _, err := oracle.CurrentRate(); err == nil {
			t.Fatalf("expected error for missing endpoint")
		}
	})
}

type staticReader struct {
	reading PriceReading
	err     error
}

func (s staticReader) CurrentRate() (PriceReading, error) { return s.reading, s.err }

func TestReaderAggregatorPriority(t *testing.T) {
	primary := staticReader{reading: PriceReading{
		Rate:      big.NewInt(200_000_000_000),
		UpdatedAt: time.Now(),
		Source:    "primary",
	}}
	fallback := staticReader{reading: PriceReading{
		Rate:      big.NewInt(100_000_000_000),
		UpdatedAt: time.Now(),
		Source:    "fallback",
	}}

	agg := NewReaderAggregator([]string{"primary", "fallback"}, time.Minute)
	agg.Register("primary", primary)
	agg.Register("fallback", fallback)

	reading, err := agg.CurrentRate()
	if err != nil {
		t.Fatalf("current rate: %v", err)
	}
	if reading.Source != "primary" {
		t.Fatalf("expected primary reading, got %s", reading.Source)
	}
}

func TestReaderAggregatorFallsBack(t *testing.T) {
	failing := staticReader{err: errors.New("primary down")}
	fallback := staticReader{reading: PriceReading{
		Rate:      big.NewInt(100_000_000_000),
		UpdatedAt: time.Now(),
		Source:    "fallback",
	}}

	agg := NewReaderAggregator([]string{"primary", "fallback"}, time.Minute)
	agg.Register("primary", failing)
	agg.Register("fallback", fallback)

	reading, err := agg.CurrentRate()
	if err != nil {
		t.Fatalf("current rate: %v", err)
	}
	if reading.Source != "fallback" {
		t.Fatalf("expected fallback reading, got %s", reading.Source)
	}
}

func TestReaderAggregatorSkipsStaleReadings(t *testing.T) {
	stale := staticReader{reading: PriceReading{
		Rate:      big.NewInt(200_000_000_000),
		UpdatedAt: time.Now().Add(-2 * time.Minute),
		Source:    "stale",
	}}
	agg := NewReaderAggregator([]string{"stale"}, time.Minute)
	agg.Register("stale", stale)

	if _, err := agg.CurrentRate(); !errors.Is(err, ErrNoFreshReading) {
		t.Fatalf("expected ErrNoFreshReading, got %v", err)
	}
}

func TestReaderAggregatorNamesUnlabeledSources(t *testing.T) {
	unlabeled := staticReader{reading: PriceReading{
		Rate:      big.NewInt(200_000_000_000),
		UpdatedAt: time.Now(),
	}}
	agg := NewReaderAggregator(nil, time.Minute)
	agg.Register("Backup", unlabeled)

	reading, err := agg.CurrentRate()
	if err != nil {
		t.Fatalf("current rate: %v", err)
	}
	if reading.Source != "backup" {
		t.Fatalf("expected lowercase registered name, got %q", reading.Source)
	}
}
