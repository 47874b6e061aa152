package upgrade

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/parleyhq/parley/internal/templates"
)

// RequiredSchemaVersion is the migration version this binary expects. Bump
// it together with every new file under migrations/.
const RequiredSchemaVersion uint = 1

func init() {
	// Pre-schema imports stored whatever variables list the caller supplied,
	// which can drift from the {placeholder}s actually present in the
	// content. Variables are derived, so recompute them from the content.
	RegisterDataHook(DataHook{
		SchemaVersion: 1,
		Name:          "001-rederive-template-variables",
		Run:           rederiveTemplateVariables,
	})
}

func rederiveTemplateVariables(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "SELECT id, data FROM templates")
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	defer rows.Close()

	type patch struct {
		id   string
		data []byte
	}
	var patches []patch
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		fixed, changed, err := rederivedTemplateDoc(raw)
		if err != nil {
			return fmt.Errorf("template %s: %w", id, err)
		}
		if changed {
			patches = append(patches, patch{id: id, data: fixed})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range patches {
		if _, err := db.ExecContext(ctx,
			"UPDATE templates SET data = $2, updated_at = NOW() WHERE id = $1",
			p.id, p.data,
		); err != nil {
			return fmt.Errorf("update template %s: %w", p.id, err)
		}
	}
	return nil
}

// rederivedTemplateDoc recomputes the variables array of one stored template
// document from its content, reporting whether the document changed.
func rederivedTemplateDoc(raw []byte) ([]byte, bool, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, err
	}
	content, _ := doc["content"].(string)
	want := templates.ExtractVariables(content)
	if want == nil {
		want = []string{} // keep the stored shape an array, not null
	}

	var have []string
	if arr, ok := doc["variables"].([]any); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				have = append(have, s)
			}
		}
	}
	if slices.Equal(have, want) {
		return nil, false, nil
	}

	doc["variables"] = want
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
