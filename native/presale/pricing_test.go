package presale

import (
	"errors"
	"math/big"
	"testing"
)

func bigFromString(t *testing.T, value string) *big.Int {
	t.Helper()
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		t.Fatalf("invalid big integer %q", value)
	}
	return parsed
}

func TestQuoteCost(t *testing.T) {
	cases := []struct {
		name   string
		amount string
		price  string
		want   string
	}{
		{
			name:   "thousand tokens at fractional price",
			amount: "1000000000000000000000", // 1000 tokens
			price:  "2500000000000000",       // 0.0025 USD
			want:   "2500000000000000000",    // 2.50 USD
		},
		{
			name:   "one token at one dollar",
			amount: "1000000000000000000",
			price:  "1000000000000000000",
			want:   "1000000000000000000",
		},
		{
			name:   "sub-unit amount truncates",
			amount: "1",
			price:  "100000000000000000", // 0.1 USD
			want:   "0",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := QuoteCost(bigFromString(t, tc.amount), bigFromString(t, tc.price))
			if got.String() != tc.want {
				t.Fatalf("cost %s, want %s", got, tc.want)
			}
		})
	}

	if QuoteCost(nil, big.NewInt(1)).Sign() != 0 {
		t.Fatalf("nil amount must quote zero")
	}
	if QuoteCost(big.NewInt(1), nil).Sign() != 0 {
		t.Fatalf("nil price must quote zero")
	}
}

func TestRequiredPayment(t *testing.T) {
	cases := []struct {
		name string
		usd  string
		rate string
		want string
	}{
		{
			name: "exact division",
			usd:  "2500000000000000000", // 2.50 USD
			rate: "200000000000",        // 2000 USD per native
			want: "1250000000000000",    // 0.00125 native
		},
		{
			name: "remainder rounds up",
			usd:  "1000000000000000000", // 1 USD
			rate: "300000000",           // 3 USD per native
			want: "333333333333333334",
		},
		{
			name: "zero cost",
			usd:  "0",
			rate: "200000000000",
			want: "0",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := RequiredPayment(bigFromString(t, tc.usd), bigFromString(t, tc.rate))
			if err != nil {
				t.Fatalf("required payment: %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("payment %s, want %s", got, tc.want)
			}
		})
	}

	if _, err := RequiredPayment(big.NewInt(1), big.NewInt(0)); !errors.Is(err, ErrInvalidPriceData) {
		t.Fatalf("expected ErrInvalidPriceData for zero rate, got %v", err)
	}
	if _, err := RequiredPayment(big.NewInt(1), nil); !errors.Is(err, ErrInvalidPriceData) {
		t.Fatalf("expected ErrInvalidPriceData for nil rate, got %v", err)
	}
	if _, err := RequiredPayment(big.NewInt(-1), big.NewInt(1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative cost, got %v", err)
	}
}
