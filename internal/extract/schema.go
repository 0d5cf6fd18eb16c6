package extract

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/dispensary-deals/internal/model"
)

// categorySynonyms maps common model outputs onto the category enumeration.
var categorySynonyms = map[string]model.Category{
	"flowers":     model.CategoryFlower,
	"bud":         model.CategoryFlower,
	"buds":        model.CategoryFlower,
	"eighths":     model.CategoryFlower,
	"pre-roll":    model.CategoryPreRolls,
	"pre-rolls":   model.CategoryPreRolls,
	"preroll":     model.CategoryPreRolls,
	"pre roll":    model.CategoryPreRolls,
	"pre rolls":   model.CategoryPreRolls,
	"joints":      model.CategoryPreRolls,
	"vape":        model.CategoryVapes,
	"vaporizers":  model.CategoryVapes,
	"cart":        model.CategoryVapes,
	"carts":       model.CategoryVapes,
	"cartridges":  model.CategoryVapes,
	"edible":      model.CategoryEdibles,
	"gummies":     model.CategoryEdibles,
	"concentrate": model.CategoryConcentrates,
	"extracts":    model.CategoryConcentrates,
	"dabs":        model.CategoryConcentrates,
	"wax":         model.CategoryConcentrates,
	"tincture":    model.CategoryTinctures,
	"topical":     model.CategoryTopicals,
	"accessory":   model.CategoryAccessories,
	"gear":        model.CategoryAccessories,
	"merch":       model.CategoryAccessories,
	"misc":        model.CategoryOther,
	"store-wide":  model.CategoryOther,
	"storewide":   model.CategoryOther,
}

// NormalizeCategory maps s onto the enumeration. Unknown values are
// returned lowercased so schema validation can reject them.
func NormalizeCategory(s string) string {
	key := strings.ToLower(strings.TrimSpace(s))
	if c, ok := model.ParseCategory(key); ok {
		return string(c)
	}
	if c, ok := categorySynonyms[key]; ok {
		return string(c)
	}
	return key
}

func responseSchema() map[string]any {
	enum := make([]any, 0, len(model.Categories))
	for _, c := range model.CategoryNames() {
		enum = append(enum, c)
	}
	return map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []any{"deals"},
		"properties": map[string]any{
			"deals": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []any{"category", "title", "price", "confidence"},
					"properties": map[string]any{
						"category":     map[string]any{"type": "string", "enum": enum},
						"title":        map[string]any{"type": "string", "minLength": 1},
						"brand":        map[string]any{"type": []any{"string", "null"}},
						"product_name": map[string]any{"type": []any{"string", "null"}},
						"price":        map[string]any{"type": "string", "minLength": 1},
						"confidence":   map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					},
				},
			},
		},
	}
}

func compileSchema() (*jsonschema.Schema, error) {
	b, err := json.Marshal(responseSchema())
	if err != nil {
		return nil, eris.Wrap(err, "extract: marshal schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("deals.json", bytes.NewReader(b)); err != nil {
		return nil, eris.Wrap(err, "extract: add schema")
	}
	schema, err := compiler.Compile("deals.json")
	if err != nil {
		return nil, eris.Wrap(err, "extract: compile schema")
	}
	return schema, nil
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// normalizeResponse trims string fields and maps category synonyms in place,
// ahead of schema validation. A bare array is accepted as the deals list.
func normalizeResponse(v any) any {
	if arr, ok := v.([]any); ok {
		v = map[string]any{"deals": arr}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	deals, ok := obj["deals"].([]any)
	if !ok {
		return v
	}
	for _, d := range deals {
		item, ok := d.(map[string]any)
		if !ok {
			continue
		}
		for k, val := range item {
			if s, ok := val.(string); ok {
				item[k] = strings.TrimSpace(s)
			}
		}
		if c, ok := item["category"].(string); ok {
			item["category"] = NormalizeCategory(c)
		}
	}
	return obj
}

type dealsEnvelope struct {
	Deals []struct {
		Category    string  `json:"category"`
		Title       string  `json:"title"`
		Brand       *string `json:"brand"`
		ProductName *string `json:"product_name"`
		Price       string  `json:"price"`
		Confidence  float64 `json:"confidence"`
	} `json:"deals"`
}

// decodeCandidates validates raw model output and converts it to candidates.
func decodeCandidates(schema *jsonschema.Schema, raw string) ([]model.Candidate, error) {
	cleaned := cleanJSON(raw)
	var v any
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return nil, eris.Wrap(err, "extract: response is not JSON")
	}
	v = normalizeResponse(v)
	if err := schema.Validate(v); err != nil {
		return nil, eris.Wrap(err, "extract: response does not match schema")
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "extract: re-marshal response")
	}
	var env dealsEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, eris.Wrap(err, "extract: decode deals")
	}

	out := make([]model.Candidate, 0, len(env.Deals))
	for _, d := range env.Deals {
		c := model.Candidate{
			Category:   model.Category(d.Category),
			Title:      d.Title,
			Price:      d.Price,
			Confidence: d.Confidence,
		}
		if d.Brand != nil {
			c.Brand = *d.Brand
		}
		if d.ProductName != nil {
			c.ProductName = *d.ProductName
		}
		out = append(out, c)
	}
	return out, nil
}
