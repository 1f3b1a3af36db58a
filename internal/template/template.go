// Package template renders quote-request mail bodies with Liquid.
// Parsed templates are cached, and strict mode reports variables the
// template references but the caller did not bind.
package template

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/osteele/liquid"
)

// RenderMode controls how missing variables are treated.
type RenderMode int

const (
	// Lax renders missing variables as empty strings.
	Lax RenderMode = iota
	// Strict fails when a referenced variable has no binding.
	Strict
)

// Variables available to the default quote-request template.
var KnownVariables = []string{
	"company_name", "contact_name", "product_name", "product_features",
	"product_url", "maker_name", "maker_code", "quantity",
}

// DefaultSubject and DefaultBody are used when the operator supplies no
// template of their own.
const DefaultSubject = `【お見積依頼】{{ product_name }}について`

const DefaultBody = `{{ company_name }}
{{ contact_name }}様

お世話になっております。
下記製品のお見積をお願いしたくご連絡いたしました。

■製品名: {{ product_name }}
■メーカー: {{ maker_name }}（型番: {{ maker_code }}）
■数量: {{ quantity }}
■製品ページ: {{ product_url }}
{% if product_features != "" %}■特記事項: {{ product_features }}
{% endif %}
お手数をおかけしますが、ご査収のほどよろしくお願いいたします。
`

var variableRefs = regexp.MustCompile(`{{\s*([A-Za-z_][A-Za-z0-9_]*)`)

// Engine renders Liquid templates with a parse cache.
type Engine struct {
	engine *liquid.Engine
	mode   RenderMode
	cache  sync.Map // template source -> *liquid.Template
}

// NewEngine returns a render engine in the given mode.
func NewEngine(mode RenderMode) *Engine {
	return &Engine{engine: liquid.NewEngine(), mode: mode}
}

// Render renders source against vars.
func (e *Engine) Render(source string, vars map[string]interface{}) (string, error) {
	if e.mode == Strict {
		if missing := MissingVariables(source, vars); len(missing) > 0 {
			return "", fmt.Errorf("template: unbound variables %v", missing)
		}
	}
	tpl, err := e.parse(source)
	if err != nil {
		return "", err
	}
	out, err := tpl.RenderString(vars)
	if err != nil {
		return "", fmt.Errorf("template: render: %w", err)
	}
	return out, nil
}

func (e *Engine) parse(source string) (*liquid.Template, error) {
	if cached, ok := e.cache.Load(source); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := e.engine.ParseString(source)
	if err != nil {
		return nil, fmt.Errorf("template: parse: %w", err)
	}
	e.cache.Store(source, tpl)
	return tpl, nil
}

// MissingVariables lists variables referenced by source with no binding
// in vars.
func MissingVariables(source string, vars map[string]interface{}) []string {
	seen := map[string]bool{}
	var missing []string
	for _, m := range variableRefs.FindAllStringSubmatch(source, -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
