// Package amazon knows about Amazon product URLs and marketplaces.
package amazon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidURL is returned for links that are not Amazon product pages.
var ErrInvalidURL = errors.New("not an amazon product url")

var asinRe = regexp.MustCompile(`/([A-Z0-9]{10})(?:[/?]|$)`)

var shortHosts = map[string]bool{
	"amzn.to":   true,
	"amzn.eu":   true,
	"amzn.in":   true,
	"amzn.asia": true,
	"a.co":      true,
}

// Marketplace describes one Amazon storefront.
type Marketplace struct {
	Domain   string
	KeepaID  int
	Code     string
	Currency string
}

var marketplaces = map[string]Marketplace{
	"com":    {Domain: "com", KeepaID: 1, Code: "US", Currency: "USD"},
	"co.uk":  {Domain: "co.uk", KeepaID: 2, Code: "UK", Currency: "GBP"},
	"de":     {Domain: "de", KeepaID: 3, Code: "DE", Currency: "EUR"},
	"fr":     {Domain: "fr", KeepaID: 4, Code: "FR", Currency: "EUR"},
	"co.jp":  {Domain: "co.jp", KeepaID: 5, Code: "JP", Currency: "JPY"},
	"ca":     {Domain: "ca", KeepaID: 6, Code: "CA", Currency: "CAD"},
	"it":     {Domain: "it", KeepaID: 8, Code: "IT", Currency: "EUR"},
	"es":     {Domain: "es", KeepaID: 9, Code: "ES", Currency: "EUR"},
	"in":     {Domain: "in", KeepaID: 10, Code: "IN", Currency: "INR"},
	"com.mx": {Domain: "com.mx", KeepaID: 11, Code: "MX", Currency: "MXN"},
}

// NormalizeDomain turns "www.amazon.co.uk", "amazon.it" or "IT" into the
// marketplace suffix ("co.uk", "it").
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "www.")
	d = strings.TrimPrefix(d, "amazon.")
	if _, ok := marketplaces[d]; ok {
		return d
	}
	for key, m := range marketplaces {
		if strings.EqualFold(m.Code, d) {
			return key
		}
	}
	if d == "uk" {
		return "co.uk"
	}
	return d
}

// LookupMarketplace returns the marketplace for a domain.
func LookupMarketplace(domain string) (Marketplace, bool) {
	m, ok := marketplaces[NormalizeDomain(domain)]
	return m, ok
}

// KeepaDomainID maps a marketplace onto the provider's numeric id; unknown
// domains fall back to the US store.
func KeepaDomainID(domain string) int {
	if m, ok := LookupMarketplace(domain); ok {
		return m.KeepaID
	}
	return 1
}

// CurrencyFor returns the marketplace currency, or EUR when unknown.
func CurrencyFor(domain string) string {
	if m, ok := LookupMarketplace(domain); ok {
		return m.Currency
	}
	return "EUR"
}

// ExtractASIN pulls the 10 character product id out of a product link.
func ExtractASIN(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	m := asinRe.FindStringSubmatch(u.EscapedPath())
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// DomainOf returns the marketplace suffix of an amazon.* link.
func DomainOf(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "smile.")
	if !strings.HasPrefix(host, "amazon.") {
		return "", false
	}
	return NormalizeDomain(host), true
}

// IsShortLink reports amzn.to style redirect links.
func IsShortLink(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return shortHosts[strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))]
}

// ProductURL is the canonical product page for an asin.
func ProductURL(domain, asin string) string {
	return fmt.Sprintf("https://www.amazon.%s/dp/%s", NormalizeDomain(domain), asin)
}

// Canonicalize resolves asin and domain from a link and returns the clean URL.
func Canonicalize(raw string) (canonical, asin, domain string, err error) {
	asin, ok := ExtractASIN(raw)
	if !ok {
		return "", "", "", fmt.Errorf("%w: no asin in %q", ErrInvalidURL, raw)
	}
	domain, ok = DomainOf(raw)
	if !ok {
		return "", "", "", fmt.Errorf("%w: unsupported host in %q", ErrInvalidURL, raw)
	}
	return ProductURL(domain, asin), asin, domain, nil
}

// WithAffiliate adds the partner tag to a product link.
func WithAffiliate(raw, tag string) string {
	if tag == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("tag", tag)
	q.Set("ref", "nosim")
	u.RawQuery = q.Encode()
	return u.String()
}

// Expander resolves short links by following redirects.
type Expander struct {
	client    *http.Client
	userAgent string
}

// NewExpander constructs an Expander with its own client.
func NewExpander(timeout time.Duration, userAgent string) *Expander {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Expander{client: &http.Client{Timeout: timeout}, userAgent: userAgent}
}

// Expand returns the final URL of a short link. Other links are returned as is.
func (e *Expander) Expand(ctx context.Context, raw string) (string, error) {
	if !IsShortLink(raw) {
		return raw, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", fmt.Errorf("build expand request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("expand short link: %w", err)
	}
	defer resp.Body.Close()

	return resp.Request.URL.String(), nil
}
