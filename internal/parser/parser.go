package parser

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"restock-watcher/internal/config"
	"restock-watcher/pkg/types"
)

// Fallback selectors used when a source does not configure its own.
const (
	defaultTitleSelector = ".product-item__title, .card__title, h2, h3, .title"
	defaultLinkSelector  = "a[href]"
	defaultImageSelector = "img"
	defaultPriceSelector = ".price, .price-item"
	defaultDateSelector  = "time, .date, .restock-date, .release-date"
)

// Parser extracts product records from raw catalog page HTML. A malformed
// product block is skipped without failing the rest of the page.
type Parser struct {
	logger *slog.Logger
}

// New constructs a parser.
func New(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// Parse extracts candidate records from one catalog page. Status and
// category are left unset for the classifier. The page URL anchors
// relative links and images.
func (p *Parser) Parse(src config.SourceConfig, pageURL *url.URL, body []byte, observedAt time.Time) ([]types.ProductRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	sel := src.Selectors
	records := make([]types.ProductRecord, 0, 20)
	seen := make(map[string]struct{})

	doc.Find(sel.Item).Each(func(i int, item *goquery.Selection) {
		title := strings.TrimSpace(item.Find(selectorOr(sel.Title, defaultTitleSelector)).First().Text())
		if len([]rune(title)) < 2 {
			p.logger.Debug("skipping block without title", "source", src.Name, "index", i)
			return
		}

		link, ok := item.Find(selectorOr(sel.Link, defaultLinkSelector)).First().Attr("href")
		if !ok || strings.TrimSpace(link) == "" {
			p.logger.Debug("skipping block without link", "source", src.Name, "title", title)
			return
		}
		productURL := resolveURL(pageURL, strings.TrimSpace(link))
		if productURL == "" {
			p.logger.Debug("skipping block with unresolvable link", "source", src.Name, "title", title)
			return
		}

		sourceID := SourceID(productURL)
		if _, dup := seen[sourceID]; dup {
			return
		}
		seen[sourceID] = struct{}{}

		rec := types.ProductRecord{
			Source:     src.Name,
			SourceID:   sourceID,
			Title:      title,
			URL:        productURL,
			Images:     extractImages(item, selectorOr(sel.Image, defaultImageSelector), pageURL),
			Price:      parsePrice(item.Find(selectorOr(sel.Price, defaultPriceSelector)).First().Text()),
			EventDate:  extractEventDate(item, selectorOr(sel.Date, defaultDateSelector), observedAt),
			ObservedAt: observedAt,
		}
		if sel.Content != "" {
			rec.Content = flattenSelection(item.Find(sel.Content).First())
		}
		if rec.Content == "" {
			rec.Content = title
		}

		records = append(records, rec)
	})

	return records, nil
}

// SourceID derives the stable product identifier from its canonical URL.
func SourceID(productURL string) string {
	sum := md5.Sum([]byte(productURL))
	return hex.EncodeToString(sum[:])
}

func selectorOr(configured, fallback string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	return fallback
}

func resolveURL(base *url.URL, raw string) string {
	if strings.HasPrefix(raw, "javascript:") || strings.HasPrefix(raw, "mailto:") {
		return ""
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := base.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// extractImages walks the block's img tags, preferring lazy-load
// attributes over src and falling back to the first srcset candidate.
// Query strings are stripped so CDN sizing params don't fragment URLs.
func extractImages(item *goquery.Selection, selector string, base *url.URL) []string {
	var images []string
	seen := make(map[string]struct{})

	item.Find(selector).Each(func(_ int, img *goquery.Selection) {
		raw := firstAttr(img, "data-src", "src", "data-lazy-src")
		if raw == "" {
			if srcset, ok := img.Attr("srcset"); ok {
				if fields := strings.Fields(strings.Split(srcset, ",")[0]); len(fields) > 0 {
					raw = fields[0]
				}
			}
		}
		if raw == "" {
			return
		}
		resolved := resolveURL(base, raw)
		if resolved == "" {
			return
		}
		if idx := strings.IndexByte(resolved, '?'); idx >= 0 {
			resolved = resolved[:idx]
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		images = append(images, resolved)
	})

	return images
}

func firstAttr(sel *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v, ok := sel.Attr(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parsePrice extracts an integer amount from localized currency text
// ("¥1,234", "1234円"). Non-numeric or absent text yields nil.
func parsePrice(text string) *int {
	var digits strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return nil
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return nil
	}
	return &n
}

var (
	fullDatePattern  = regexp.MustCompile(`(\d{4})[-/.年](\d{1,2})[-/.月](\d{1,2})日?`)
	monthDayPattern  = regexp.MustCompile(`(\d{1,2})月(\d{1,2})日`)
	extraDateLayouts = []string{"Jan 2, 2006", "January 2, 2006", "2 Jan 2006"}
)

func extractEventDate(item *goquery.Selection, selector string, ref time.Time) string {
	node := item.Find(selector).First()
	if node.Length() == 0 {
		return ""
	}
	if dt, ok := node.Attr("datetime"); ok {
		if normalised := NormalizeDate(dt, ref); normalised != "" {
			return normalised
		}
	}
	return NormalizeDate(node.Text(), ref)
}

// NormalizeDate converts a date found in page text into YYYY-MM-DD.
// Multiple source formats are accepted; anything unparseable yields "".
func NormalizeDate(raw string, ref time.Time) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if m := fullDatePattern.FindStringSubmatch(raw); m != nil {
		return formatDate(m[1], m[2], m[3])
	}
	// Month/day without a year: assume the reference year.
	if m := monthDayPattern.FindStringSubmatch(raw); m != nil {
		return formatDate(strconv.Itoa(ref.Year()), m[1], m[2])
	}
	for _, layout := range extraDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Format("2006-01-02")
	}
	return ""
}

func formatDate(year, month, day string) string {
	y, err := strconv.Atoi(year)
	if err != nil {
		return ""
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return ""
	}
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// flattenSelection renders a description block as plain text, collapsing
// whitespace and inserting breaks at block boundaries.
func flattenSelection(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	var b strings.Builder
	for _, node := range sel.Nodes {
		flattenNode(node, &b)
	}
	return strings.TrimSpace(collapseSpaces(b.String()))
}

var blockTags = map[string]struct{}{
	"p": {}, "div": {}, "br": {}, "li": {}, "h1": {}, "h2": {}, "h3": {}, "h4": {},
}

func flattenNode(node *html.Node, b *strings.Builder) {
	switch node.Type {
	case html.TextNode:
		text := strings.Join(strings.Fields(node.Data), " ")
		if text != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(text)
		}
	case html.ElementNode:
		tag := strings.ToLower(node.Data)
		if _, ok := blockTags[tag]; ok && b.Len() > 0 {
			b.WriteByte('\n')
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			flattenNode(child, b)
		}
	}
}

func collapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}
