package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// HTTPSource is one ranked off-chain price endpoint. The response is treated
// as untrusted JSON; Path walks dot-separated keys to the price value, which
// may be a JSON number or a numeric string.
type HTTPSource struct {
	Name string `json:"name" validate:"required"`
	URL  string `json:"url" validate:"required,url"`
	Path string `json:"path" validate:"required"`
}

func fetchHTTPPrice(ctx context.Context, client *http.Client, source HTTPSource) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%s returned status %d", source.Name, resp.StatusCode)
	}

	var body interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode %s response: %w", source.Name, err)
	}

	value, err := walkPath(body, source.Path)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", source.Name, err)
	}
	return value, nil
}

func walkPath(body interface{}, path string) (decimal.Decimal, error) {
	current := body
	for _, key := range strings.Split(path, ".") {
		object, ok := current.(map[string]interface{})
		if !ok {
			return decimal.Zero, fmt.Errorf("path %q: expected object at %q", path, key)
		}
		current, ok = object[key]
		if !ok {
			return decimal.Zero, fmt.Errorf("path %q: missing key %q", path, key)
		}
	}

	switch v := current.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return decimal.Zero, fmt.Errorf("price %q is not numeric", v)
		}
		return decimal.NewFromFloat(parsed), nil
	default:
		return decimal.Zero, fmt.Errorf("price has unexpected type %T", current)
	}
}
