package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"price-tracker/internal/domain"
	"price-tracker/internal/pricing"
)

var (
	titleSelectors = []string{"#productTitle", "#title", "h1.a-size-large"}
	priceSelectors = []string{
		"#corePrice_feature_div span.a-offscreen",
		"#corePriceDisplay_desktop_feature_div span.a-offscreen",
		"#priceblock_ourprice",
		"#priceblock_dealprice",
		"#price_inside_buybox",
		"span.a-price span.a-offscreen",
	}
	imageSelectors = []string{"#landingImage", "#imgBlkFront", "#main-image"}

	unavailablePhrases = []string{
		"currently unavailable", "non disponibile", "nicht verfügbar", "derzeit nicht",
		"indisponible", "no disponible", "out of stock",
	}
	preorderPhrases = []string{"pre-order", "preorder", "prenota", "vorbestell", "précommande", "reserva"}
	inStockPhrases  = []string{"in stock", "disponibilità immediata", "auf lager", "en stock", "disponibile"}
)

// ScraperOptions parameterise the product page scraper.
type ScraperOptions struct {
	Timeout        time.Duration
	UserAgent      string
	AcceptLanguage string
}

// Scraper reads title, price, image and availability off a product page.
type Scraper struct {
	opts   ScraperOptions
	logger zerolog.Logger
	client *http.Client
}

// NewScraper constructs a Scraper.
func NewScraper(opts ScraperOptions, logger zerolog.Logger) *Scraper {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if opts.AcceptLanguage == "" {
		opts.AcceptLanguage = "it-IT,it;q=0.9,en;q=0.8"
	}
	return &Scraper{
		opts:   opts,
		logger: logger.With().Str("component", "scraper").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// FetchProduct downloads and parses a product page.
func (s *Scraper) FetchProduct(ctx context.Context, url string) (Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Product{}, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", s.opts.AcceptLanguage)
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Product{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Product{}, &StatusError{Service: "amazon", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	product, err := ParseProductPage(resp.Body)
	if err != nil {
		return Product{}, err
	}

	s.logger.Debug().
		Str("url", url).
		Bool("has_price", product.Price.Valid).
		Str("availability", string(product.Availability)).
		Msg("product page parsed")
	return product, nil
}

// ParseProductPage extracts product fields from page HTML.
func ParseProductPage(r io.Reader) (Product, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Product{}, fmt.Errorf("%w: parse product html: %v", ErrMalformedResponse, err)
	}

	product := Product{Availability: domain.AvailabilityUnknown}
	product.Title = firstText(doc, titleSelectors)

	for _, sel := range priceSelectors {
		text := strings.TrimSpace(doc.Find(sel).First().Text())
		if text == "" {
			continue
		}
		amount, currency := pricing.ParsePrice(text)
		if amount.Valid && amount.Decimal.IsPositive() {
			product.Price = amount
			product.Currency = currency
			break
		}
	}

	product.ImageURL = firstImage(doc)
	product.Availability = classifyAvailability(doc.Find("#availability").First().Text())
	if product.Availability == domain.AvailabilityUnknown && product.Price.Valid {
		product.Availability = domain.AvailabilityInStock
	}
	return product, nil
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if text := strings.Join(strings.Fields(doc.Find(sel).First().Text()), " "); text != "" {
			return text
		}
	}
	return ""
}

func firstImage(doc *goquery.Document) string {
	for _, sel := range imageSelectors {
		node := doc.Find(sel).First()
		for _, attr := range []string{"data-old-hires", "src"} {
			if v, ok := node.Attr(attr); ok && strings.HasPrefix(v, "http") {
				return v
			}
		}
	}
	return ""
}

func classifyAvailability(text string) domain.Availability {
	t := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if t == "" {
		return domain.AvailabilityUnknown
	}
	for _, p := range unavailablePhrases {
		if strings.Contains(t, p) {
			return domain.AvailabilityUnavailable
		}
	}
	for _, p := range preorderPhrases {
		if strings.Contains(t, p) {
			return domain.AvailabilityPreorder
		}
	}
	for _, p := range inStockPhrases {
		if strings.Contains(t, p) {
			return domain.AvailabilityInStock
		}
	}
	return domain.AvailabilityUnknown
}

var _ ProductFetcher = (*Scraper)(nil)
