package knowledge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// schemas declares required top-level fields for documents whose key is
// known to the core. Documents with no declared schema are accepted
// verbatim.
var schemas = map[string][]string{
	KeyRoutingRules: {"rules"},
	KeyFAQ:          {"faqs"},
	KeyProducts:     {"products"},
}

// Index is the loaded, queryable representation of the knowledge corpus.
// Load failures on individual files are logged and skipped; the index stays
// usable with whatever loaded successfully.
type Index struct {
	root string

	mu   sync.RWMutex
	docs map[string]Document

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewIndex creates an index over the filesystem root and performs the
// initial load.
func NewIndex(root string) (*Index, error) {
	idx := &Index{root: root, docs: make(map[string]Document)}
	if err := idx.Reload(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Reload re-reads the whole tree. The previous contents are replaced
// atomically; readers never observe a half-loaded index.
func (idx *Index) Reload() error {
	loaded := make(map[string]Document)

	for _, category := range Categories {
		dir := filepath.Join(idx.root, category)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read knowledge category %s: %w", category, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			sub := strings.TrimSuffix(entry.Name(), ".json")
			key := category + "/" + sub

			doc, err := loadDocument(filepath.Join(dir, entry.Name()), key, category, sub)
			if err != nil {
				slog.Warn("skipping knowledge document", "key", key, "error", err)
				continue
			}
			loaded[key] = doc
		}
	}

	idx.mu.Lock()
	idx.docs = loaded
	idx.mu.Unlock()

	slog.Info("knowledge index loaded", "documents", len(loaded), "root", idx.root)
	return nil
}

func loadDocument(path, key, category, sub string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Document{}, fmt.Errorf("decode: %w", err)
	}

	if required, ok := schemas[key]; ok {
		for _, field := range required {
			if _, present := data[field]; !present {
				return Document{}, fmt.Errorf("missing required field %q", field)
			}
		}
	}

	return Document{Key: key, Category: category, Subcategory: sub, Data: data}, nil
}

// Get returns the document under key ("category/subcategory") and whether it
// exists.
func (idx *Index) Get(key string) (Document, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	doc, ok := idx.docs[key]
	return doc, ok
}

// All returns every loaded document, ordered by key.
func (idx *Index) All() []Document {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]Document, 0, len(idx.docs))
	for _, doc := range idx.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Category returns the documents in one category, ordered by key.
func (idx *Index) Category(category string) []Document {
	var out []Document
	for _, doc := range idx.All() {
		if doc.Category == category {
			out = append(out, doc)
		}
	}
	return out
}

// Size reports how many documents are loaded.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Watch starts a filesystem watcher that reloads the index when any file in
// the tree changes. Stop with Close.
func (idx *Index) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create knowledge watcher: %w", err)
	}
	idx.watcher = watcher
	idx.done = make(chan struct{})

	if err := watcher.Add(idx.root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", idx.root, err)
	}
	for _, category := range Categories {
		dir := filepath.Join(idx.root, category)
		if _, err := os.Stat(dir); err == nil {
			if err := watcher.Add(dir); err != nil {
				slog.Warn("failed to watch knowledge category", "dir", dir, "error", err)
			}
		}
	}

	go idx.watchLoop()
	return nil
}

func (idx *Index) watchLoop() {
	for {
		select {
		case <-idx.done:
			return
		case event, ok := <-idx.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			slog.Debug("knowledge change detected", "file", event.Name, "op", event.Op.String())
			if err := idx.Reload(); err != nil {
				slog.Error("knowledge reload failed", "error", err)
			}
		case err, ok := <-idx.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("knowledge watcher error", "error", err)
		}
	}
}

// Close stops the filesystem watcher, if running.
func (idx *Index) Close() error {
	if idx.watcher == nil {
		return nil
	}
	close(idx.done)
	return idx.watcher.Close()
}
