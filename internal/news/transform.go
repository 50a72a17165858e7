package news

import "strings"

// compositeSeparator joins the fields of the fallback dedup key. It cannot
// appear in ordinary text.
const compositeSeparator = "\x1f"

// Transformer maps raw API records to the stored article schema.
type Transformer struct {
	clock  Clock
	hasher Hasher
}

// NewTransformer constructs a Transformer.
func NewTransformer(clock Clock, hasher Hasher) *Transformer {
	return &Transformer{clock: clock, hasher: hasher}
}

// Transform normalizes one raw record. Missing fields become empty values.
func (t *Transformer) Transform(raw RawArticle) Article {
	url := raw.String("url")
	if url == "" {
		url = raw.String("link")
	}
	article := Article{
		Headline:  raw.String("headline"),
		Summary:   raw.String("summary"),
		Date:      raw.String("date"),
		Publisher: raw.String("publisher"),
		Stocks:    raw.Strings("stocks"),
		Tag:       raw.String("tag"),
		URL:       url,
		FetchedAt: t.clock.Now(),
	}
	article.DedupKey = t.dedupKey(article)
	return article
}

// TransformAll maps a batch, preserving order.
func (t *Transformer) TransformAll(raws []RawArticle) []Article {
	out := make([]Article, 0, len(raws))
	for _, raw := range raws {
		out = append(out, t.Transform(raw))
	}
	return out
}

// dedupKey prefers the source URL and falls back to a digest of the
// headline, date and publisher.
func (t *Transformer) dedupKey(a Article) string {
	if a.URL != "" {
		return a.URL
	}
	composite := strings.Join([]string{a.Headline, a.Date, a.Publisher}, compositeSeparator)
	if t.hasher == nil {
		return composite
	}
	digest, err := t.hasher.Hash([]byte(composite))
	if err != nil {
		return composite
	}
	return digest
}
