package imputation

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

func paramInt(p map[string]any, key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("imputation: parameter %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("imputation: parameter %s must be positive, got %d", key, n)
	}
	return n, nil
}

func paramFloat(p map[string]any, key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("imputation: parameter %s: %w", key, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("imputation: parameter %s must not be negative, got %v", key, f)
	}
	return f, nil
}

func paramString(p map[string]any, key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	s := strings.ToLower(strings.TrimSpace(cast.ToString(v)))
	if s == "" {
		return def
	}
	return s
}
