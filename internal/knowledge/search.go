package knowledge

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// SearchByKeywords ranks documents by keyword relevance: the count of
// case-insensitive substring hits over a flattened representation of the
// document. category narrows the search when non-empty; zero-relevance
// documents are dropped.
func (idx *Index) SearchByKeywords(keywords []string, category string) []SearchResult {
	var docs []Document
	if category != "" {
		docs = idx.Category(category)
	} else {
		docs = idx.All()
	}

	var results []SearchResult
	for _, doc := range docs {
		flat := strings.ToLower(flatten(doc.Data))
		relevance := 0
		for _, kw := range keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			relevance += strings.Count(flat, kw)
		}
		if relevance > 0 {
			results = append(results, SearchResult{Document: doc, Relevance: relevance})
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Relevance > results[j].Relevance })
	return results
}

// SearchFAQ scores FAQ entries against the query: each FAQ keyword found in
// the query counts 2, each query word found in the question counts 1.
// Zero-score entries are dropped; results come back highest score first.
func (idx *Index) SearchFAQ(query string) []FAQMatch {
	faqs := idx.FAQs()
	if len(faqs) == 0 {
		return nil
	}

	q := strings.ToLower(query)
	words := strings.Fields(q)

	var matches []FAQMatch
	for _, faq := range faqs {
		score := 0
		for _, kw := range faq.Keywords {
			if kw != "" && strings.Contains(q, strings.ToLower(kw)) {
				score += 2
			}
		}
		question := strings.ToLower(faq.Question)
		for _, w := range words {
			if strings.Contains(question, w) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, FAQMatch{FAQ: faq, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches
}

// FAQs decodes the support FAQ document, or nil when absent.
func (idx *Index) FAQs() []FAQ {
	doc, ok := idx.Get(KeyFAQ)
	if !ok {
		return nil
	}
	var out []FAQ
	decodeField(doc.Data, "faqs", &out)
	return out
}

// GetProduct looks up a product by id in the sales products document.
func (idx *Index) GetProduct(id string) (map[string]any, bool) {
	doc, ok := idx.Get(KeyProducts)
	if !ok {
		return nil, false
	}
	products, ok := doc.Data["products"].([]any)
	if !ok {
		return nil, false
	}
	for _, p := range products {
		product, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if pid, _ := product["id"].(string); pid == id {
			return product, true
		}
	}
	return nil, false
}

// RoutingRules decodes the router's keyword-fallback rules, or nil when the
// document is absent.
func (idx *Index) RoutingRules() []RoutingRule {
	doc, ok := idx.Get(KeyRoutingRules)
	if !ok {
		return nil
	}
	var out []RoutingRule
	decodeField(doc.Data, "rules", &out)
	return out
}

// RouterInstruction returns the router's system instruction from the config
// document, or empty when not configured.
func (idx *Index) RouterInstruction() string {
	doc, ok := idx.Get(KeyRouter)
	if !ok {
		return ""
	}
	instruction, _ := doc.Data["instruction"].(string)
	return instruction
}

// FindRelevantData assembles the persona-appropriate knowledge subset for a
// turn: company info and tone of voice always, every document in the
// persona's own category, and any uploaded documents in that category.
// Keys map to the document data.
func (idx *Index) FindRelevantData(message, personaKey string) map[string]map[string]any {
	out := make(map[string]map[string]any)

	if doc, ok := idx.Get(KeyCompanyInfo); ok {
		out[doc.Key] = doc.Data
	}
	if doc, ok := idx.Get(KeyToneOfVoice); ok {
		out[doc.Key] = doc.Data
	}

	for _, doc := range idx.Category(personaKey) {
		out[doc.Key] = doc.Data
	}

	// Uploaded documents outside the persona's category still count when
	// their content matches the inbound message.
	if message != "" {
		keywords := strings.Fields(message)
		for _, doc := range idx.All() {
			if !doc.Uploaded() {
				continue
			}
			if _, present := out[doc.Key]; present {
				continue
			}
			if results := idx.SearchByKeywords(keywords, doc.Category); len(results) > 0 {
				for _, r := range results {
					if r.Key == doc.Key {
						out[doc.Key] = doc.Data
						break
					}
				}
			}
		}
	}

	return out
}

// flatten renders a decoded JSON value as a single searchable string.
func flatten(v any) string {
	var b strings.Builder
	flattenInto(&b, v)
	return b.String()
}

func flattenInto(b *strings.Builder, v any) {
	switch val := v.(type) {
	case string:
		b.WriteString(val)
		b.WriteByte(' ')
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
		b.WriteByte(' ')
	case bool:
		b.WriteString(strconv.FormatBool(val))
		b.WriteByte(' ')
	case []any:
		for _, item := range val {
			flattenInto(b, item)
		}
	case map[string]any:
		// Sort keys so the flattened form is deterministic.
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte(' ')
			flattenInto(b, val[k])
		}
	}
}

// decodeField re-marshals one field of a decoded document into a typed
// value. Decode failures leave out unset; callers treat empty as absent.
func decodeField(data map[string]any, field string, out any) {
	raw, ok := data[field]
	if !ok {
		return
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return
	}
	if err := json.Unmarshal(buf, out); err != nil {
		slog.Debug("knowledge field decode failed", "field", field, "error", err)
	}
}
