// Package breaktypes loads the break category catalog. The catalog is
// immutable once loaded; lifecycle calls referencing an unknown code are a
// hard input error at the engine boundary.
package breaktypes

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/adimStrong/csr-breaktime/internal/models"
)

type Registry struct {
	order []string
	types map[string]models.BreakType
}

type catalogFile struct {
	BreakTypes []models.BreakType `yaml:"break_types"`
}

func intPtr(v int) *int { return &v }

// Defaults returns the compiled-in catalog: B/W/P counted against their
// limits, O unlimited but reason-required. WC is limit-enforced and alert
// eligible but excluded from total_duration.
func Defaults() *Registry {
	registry, err := New([]models.BreakType{
		{Code: "B", DisplayName: "Break", LimitMinutes: intPtr(30), CountsInTotal: true},
		{Code: "W", DisplayName: "WC", LimitMinutes: intPtr(5), CountsInTotal: false},
		{Code: "P", DisplayName: "WCP", LimitMinutes: intPtr(10), CountsInTotal: true},
		{Code: "O", DisplayName: "Other", RequiresReason: true, CountsInTotal: true},
	})
	if err != nil {
		panic(err)
	}
	return registry
}

func New(types []models.BreakType) (*Registry, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("break type catalog is empty")
	}
	registry := &Registry{types: make(map[string]models.BreakType, len(types))}
	for _, bt := range types {
		code := strings.ToUpper(strings.TrimSpace(bt.Code))
		if code == "" {
			return nil, fmt.Errorf("break type with empty code")
		}
		if _, exists := registry.types[code]; exists {
			return nil, fmt.Errorf("duplicate break type code %q", code)
		}
		if bt.LimitMinutes != nil && *bt.LimitMinutes <= 0 {
			return nil, fmt.Errorf("break type %q: limit must be positive", code)
		}
		bt.Code = code
		registry.types[code] = bt
		registry.order = append(registry.order, code)
	}
	return registry, nil
}

// LoadFile reads a YAML catalog file.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read break types: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse break types: %w", err)
	}
	return New(file.BreakTypes)
}

func (r *Registry) Get(code string) (models.BreakType, bool) {
	bt, ok := r.types[strings.ToUpper(strings.TrimSpace(code))]
	return bt, ok
}

// All returns the catalog in declaration order.
func (r *Registry) All() []models.BreakType {
	out := make([]models.BreakType, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.types[code])
	}
	return out
}
