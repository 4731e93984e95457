package presale

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// PriceReading captures a single oracle observation: the USD price of one
// native unit scaled to OracleDecimals, the timestamp reported upstream and
// the oracle identifier.
type PriceReading struct {
	Rate      *big.Int
	UpdatedAt time.Time
	Source    string
}

// Clone returns a deep copy of the reading to prevent accidental mutations.
func (r PriceReading) Clone() PriceReading {
	clone := PriceReading{UpdatedAt: r.UpdatedAt, Source: r.Source}
	if r.Rate != nil {
		clone.Rate = new(big.Int).Set(r.Rate)
	}
	return clone
}

// PriceReader resolves the current USD rate for the native payment currency.
// The engine consumes exactly one reading per purchase, synchronously.
type PriceReader interface {
	CurrentRate() (PriceReading, error)
}

// ErrNoFreshReading indicates that no configured oracle produced a reading
// within the freshness window.
var ErrNoFreshReading = errors.New("presale: no fresh oracle reading available")

// decimalToRate converts a decimal USD string (e.g. "2000.25") into an
// integer scaled to OracleDecimals.
func decimalToRate(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("oracle: invalid rate %q", value)
	}
	if rat.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: rate must be positive")
	}
	rat.Mul(rat, new(big.Rat).SetInt(oracleScale))
	return new(big.Int).Quo(rat.Num(), rat.Denom()), nil
}

// ManualOracle provides an in-memory oracle implementation used for tests and
// manual overrides during incident response.
type ManualOracle struct {
	mu      sync.RWMutex
	reading PriceReading
	set     bool
}

// NewManualOracle constructs an empty manual oracle instance.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{}
}

// Set stores the provided scaled rate with the supplied timestamp.
func (m *ManualOracle) Set(rate *big.Int, ts time.Time) {
	if m == nil || rate == nil {
		return
	}
	m.mu.Lock()
	m.reading = PriceReading{Rate: new(big.Int).Set(rate), UpdatedAt: ts, Source: "manual"}
	m.set = true
	m.mu.Unlock()
}

// SetDecimal records the supplied decimal USD rate using the provided
// timestamp.
func (m *ManualOracle) SetDecimal(rate string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual oracle not configured")
	}
	scaled, err := decimalToRate(rate)
	if err != nil {
		return err
	}
	m.Set(scaled, ts)
	return nil
}

// CurrentRate retrieves the stored reading.
func (m *ManualOracle) CurrentRate() (PriceReading, error) {
	if m == nil {
		return PriceReading{}, fmt.Errorf("manual oracle not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.set {
		return PriceReading{}, fmt.Errorf("manual oracle: no reading recorded")
	}
	return m.reading.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPOracle fetches the native/USD rate from a JSON quote endpoint
// returning {"rate": "<decimal>", "timestamp": <unix>}.
type HTTPOracle struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	pair     string
}

// NewHTTPOracle constructs an HTTP oracle adapter. When the client is nil
// http.DefaultClient is used. The API key is optional and only added to the
// request headers when supplied.
func NewHTTPOracle(client HTTPDoer, endpoint, apiKey, pair string) *HTTPOracle {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOracle{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		pair:     strings.TrimSpace(pair),
	}
}

func (o *HTTPOracle) CurrentRate() (PriceReading, error) {
	if o == nil || o.endpoint == "" {
		return PriceReading{}, fmt.Errorf("http oracle not configured")
	}
	req, err := http.NewRequest(http.MethodGet, o.endpoint, nil)
	if err != nil {
		return PriceReading{}, err
	}
	if o.pair != "" {
		values := url.Values{}
		values.Set("pair", o.pair)
		req.URL.RawQuery = values.Encode()
	}
	if o.apiKey != "" {
		req.Header.Set("x-api-key", o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return PriceReading{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PriceReading{}, fmt.Errorf("http oracle: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Rate      string `json:"rate"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return PriceReading{}, fmt.Errorf("http oracle: decode: %w", err)
	}
	rate, err := decimalToRate(payload.Rate)
	if err != nil {
		return PriceReading{}, fmt.Errorf("http oracle: %w", err)
	}
	return PriceReading{Rate: rate, UpdatedAt: time.Unix(payload.Timestamp, 0), Source: "http"}, nil
}

// ReaderAggregator consults a list of registered oracles in priority order
// until a fresh reading is obtained.
type ReaderAggregator struct {
	mu       sync.RWMutex
	priority []string
	readers  map[string]PriceReader
	maxAge   time.Duration
}

// NewReaderAggregator constructs an aggregator with the provided priority and
// freshness window.
func NewReaderAggregator(priority []string, maxAge time.Duration) *ReaderAggregator {
	return &ReaderAggregator{
		priority: append([]string{}, priority...),
		readers:  make(map[string]PriceReader),
		maxAge:   maxAge,
	}
}

// Register adds or replaces a reader under the supplied identifier.
// Identifiers are stored in lowercase so lookups remain consistent regardless
// of configuration casing.
func (a *ReaderAggregator) Register(name string, reader PriceReader) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readers[trimmed] = reader
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// CurrentRate fetches a reading from the configured readers respecting the
// priority ordering. Readings older than the freshness window are skipped.
func (a *ReaderAggregator) CurrentRate() (PriceReading, error) {
	if a == nil {
		return PriceReading{}, fmt.Errorf("oracle aggregator not configured")
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	a.mu.RUnlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		reader := a.readers[strings.ToLower(name)]
		a.mu.RUnlock()
		if reader == nil {
			continue
		}
		reading, err := reader.CurrentRate()
		if err != nil {
			lastErr = err
			continue
		}
		if reading.Rate == nil || reading.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle %s returned invalid rate", name)
			continue
		}
		if maxAge > 0 && reading.UpdatedAt.Before(cutoff) {
			lastErr = ErrNoFreshReading
			continue
		}
		result := reading.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = strings.ToLower(name)
		}
		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrNoFreshReading
	}
	return PriceReading{}, lastErr
}
