package classify

import (
	"strings"

	"restock-watcher/internal/config"
	"restock-watcher/pkg/types"
)

// Classifier assigns a category and a status to candidate records using an
// ordered keyword rule table. The table comes from configuration so rules
// can change without touching pipeline control flow.
type Classifier struct {
	rules           []config.ClassifyRule
	defaultCategory string
}

// DefaultRules mirrors the keyword table the monitored site's content is
// known to match. Japanese keywords first since the catalog is Japanese;
// a few English equivalents catch localized pages.
func DefaultRules() []config.ClassifyRule {
	return []config.ClassifyRule{
		{Category: "goods", Keywords: []string{"グッズ", "発売", "予約", "販売", "限定", "ぬいぐるみ", "フィギュア", "マスコット", "アクスタ", "plush", "figure"}},
		{Category: "lottery", Keywords: []string{"一番くじ", "くじ", "ロット", "景品", "lottery"}},
		{Category: "event", Keywords: []string{"イベント", "開催", "コラボ", "カフェ", "ポップアップ", "展示", "らんど", "event", "cafe", "popup"}},
		{Category: "manga", Keywords: []string{"更新", "掲載", "連載", "エピソード", "話", "manga"}},
		{Category: "anime", Keywords: []string{"放送", "配信", "声優", "OP", "ED", "anime"}},
	}
}

// New builds a classifier. An empty rule list falls back to DefaultRules.
func New(cfg config.ClassifyConfig) *Classifier {
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	defaultCategory := cfg.DefaultCategory
	if defaultCategory == "" {
		defaultCategory = "other"
	}
	return &Classifier{rules: rules, defaultCategory: defaultCategory}
}

// Category picks the first rule whose keywords appear in the record's title
// or content; ties break by table order. No match yields the default.
func (c *Classifier) Category(title, content string) string {
	haystack := title + "\n" + content
	for _, rule := range c.rules {
		for _, keyword := range rule.Keywords {
			if keyword == "" {
				continue
			}
			if strings.Contains(haystack, keyword) {
				return rule.Category
			}
		}
	}
	return c.defaultCategory
}

// Status resolves the record's status against its previously stored row.
// First sighting is always new. A re-observation is a restock only when
// both event dates are known and differ; otherwise the stored status
// carries forward.
func (c *Classifier) Status(rec types.ProductRecord, prior *types.InformationRow) types.Status {
	if prior == nil {
		return types.StatusNew
	}
	if rec.EventDate != "" && prior.EventDate != "" && rec.EventDate != prior.EventDate {
		return types.StatusRestock
	}
	if prior.Status != "" {
		return prior.Status
	}
	return types.StatusNew
}
