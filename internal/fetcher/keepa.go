package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"price-tracker/internal/amazon"
	"price-tracker/internal/history"
)

const (
	keepaProductPath = "/product"
	maxKeepaBatch    = 100
)

// KeepaOptions parameterise the Keepa history client.
type KeepaOptions struct {
	BaseURL   string
	APIKey    string
	StatsDays int
	BatchSize int
	Timeout   time.Duration
	UserAgent string
}

// Keepa queries the Keepa product endpoint.
type Keepa struct {
	opts    KeepaOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewKeepa constructs a Keepa client.
func NewKeepa(opts KeepaOptions, logger zerolog.Logger) *Keepa {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if opts.BatchSize <= 0 || opts.BatchSize > maxKeepaBatch {
		opts.BatchSize = maxKeepaBatch
	}
	if opts.StatsDays <= 0 {
		opts.StatsDays = 1800
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.keepa.com"
	}

	return &Keepa{
		opts:    opts,
		logger:  logger.With().Str("component", "keepa_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// QueryHistory fetches stats and history for asins, splitting into batches.
func (k *Keepa) QueryHistory(ctx context.Context, asins []string, domain string) (map[string]history.RawProduct, error) {
	if k.opts.APIKey == "" {
		return nil, fmt.Errorf("keepa api key not configured")
	}

	out := make(map[string]history.RawProduct, len(asins))
	for start := 0; start < len(asins); start += k.opts.BatchSize {
		end := start + k.opts.BatchSize
		if end > len(asins) {
			end = len(asins)
		}
		batch, err := k.queryBatch(ctx, asins[start:end], domain)
		if err != nil {
			return nil, err
		}
		for asin, p := range batch {
			out[asin] = p
		}
	}
	return out, nil
}

func (k *Keepa) queryBatch(ctx context.Context, asins []string, domain string) (map[string]history.RawProduct, error) {
	params := url.Values{}
	params.Set("key", k.opts.APIKey)
	params.Set("domain", strconv.Itoa(amazon.KeepaDomainID(domain)))
	params.Set("asin", strings.Join(asins, ","))
	params.Set("stats", strconv.Itoa(k.opts.StatsDays))
	params.Set("history", "1")

	endpoint := k.baseURL + keepaProductPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(k.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseKeepaError(resp.StatusCode, payload)
	}

	var res productResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("%w: decode keepa products: %v", ErrMalformedResponse, err)
	}
	if res.Products == nil {
		return nil, fmt.Errorf("%w: keepa response has no products", ErrMalformedResponse)
	}

	out := make(map[string]history.RawProduct, len(res.Products))
	for _, p := range res.Products {
		if p.ASIN == "" {
			continue
		}
		out[p.ASIN] = p
	}

	k.logger.Debug().
		Int("requested", len(asins)).
		Int("returned", len(out)).
		Int("tokens_left", res.TokensLeft).
		Msg("keepa batch fetched")
	return out, nil
}

type productResponse struct {
	Products   []history.RawProduct `json:"products"`
	TokensLeft int                  `json:"tokensLeft"`
}

type keepaErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseKeepaError(status int, payload []byte) error {
	var apiErr keepaErrorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error.Message != "" {
			return &StatusError{Service: "keepa", StatusCode: status, Body: apiErr.Error.Message}
		}
		if apiErr.Error.Type != "" {
			return &StatusError{Service: "keepa", StatusCode: status, Body: apiErr.Error.Type}
		}
	}
	return &StatusError{Service: "keepa", StatusCode: status, Body: strings.TrimSpace(string(payload))}
}

var _ HistoryQuery = (*Keepa)(nil)
