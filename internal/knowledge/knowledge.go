// Package knowledge loads and indexes the on-disk knowledge corpus the
// router and personas draw on: company info, tone of voice, routing rules,
// FAQs, products, and free-form uploaded documents. Documents live as JSON
// files under category/subcategory and are reloaded on demand or when the
// filesystem watcher sees a change.
package knowledge

// Categories of the knowledge tree. Files outside these directories are
// ignored.
const (
	CategorySales   = "sales"
	CategorySupport = "support"
	CategoryCompany = "company"
	CategoryConfig  = "config"
)

// Categories lists the recognized top-level knowledge directories.
var Categories = []string{CategorySales, CategorySupport, CategoryCompany, CategoryConfig}

// Well-known document keys the core reads directly.
const (
	KeyCompanyInfo  = "company/info"
	KeyToneOfVoice  = "company/tone-of-voice"
	KeyRouter       = "config/router"
	KeyRoutingRules = "config/routing-rules"
	KeyFAQ          = "support/faq"
	KeyProducts     = "sales/products"
)

// UploadedPrefix marks caller-uploaded documents inside a category. Uploaded
// documents are always included in a persona's relevant-data set.
const UploadedPrefix = "uploaded-"

// Document is one loaded knowledge file.
type Document struct {
	Key         string // "category/subcategory"
	Category    string
	Subcategory string
	Data        map[string]any
}

// Uploaded reports whether the document was caller-uploaded.
func (d Document) Uploaded() bool {
	return len(d.Subcategory) >= len(UploadedPrefix) && d.Subcategory[:len(UploadedPrefix)] == UploadedPrefix
}

// FAQ is one entry of the support FAQ document.
type FAQ struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Keywords []string `json:"keywords,omitempty"`
}

// FAQMatch is an FAQ entry with its relevance score.
type FAQMatch struct {
	FAQ
	Score int
}

// RoutingRule maps keyword hits to an intent for the router's fallback
// scoring.
type RoutingRule struct {
	Intent   string   `json:"intent"`
	Agent    string   `json:"agent,omitempty"` // persona key; defaults to the intent
	Keywords []string `json:"keywords"`
}

// SearchResult is a document with its keyword relevance score.
type SearchResult struct {
	Document
	Relevance int
}
