package aiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	huberrors "intelligence-hub/internal/errors"
)

// userInfoPath is the account endpoint of SiliconFlow-compatible
// providers.
const userInfoPath = "/user/info"

// ProbeBalance asks the provider account endpoint for the remaining
// balance behind a key. The layout follows the SiliconFlow user info
// shape; string and numeric balance fields are both accepted.
func ProbeBalance(ctx context.Context, httpc *http.Client, baseURL, key string) (float64, error) {
	if baseURL == "" {
		return 0, ErrNoBalanceProbe
	}
	if httpc == nil {
		httpc = http.DefaultClient
	}
	endpoint := strings.TrimRight(baseURL, "/") + userInfoPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build balance request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := httpc.Do(req)
	if err != nil {
		return 0, huberrors.NewAITransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, huberrors.NewAITransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, huberrors.NewAIHTTPError(resp.StatusCode, strings.TrimSpace(string(body)), nil)
	}

	var payload struct {
		Balance any `json:"balance"`
		Data    struct {
			Balance      any `json:"balance"`
			TotalBalance any `json:"totalBalance"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, huberrors.NewAIParseError(fmt.Sprintf("balance response not JSON: %v", err))
	}
	for _, candidate := range []any{payload.Data.TotalBalance, payload.Data.Balance, payload.Balance} {
		if value, ok := numberValue(candidate); ok {
			return value, nil
		}
	}
	return 0, huberrors.NewAIParseError("balance response carries no balance field")
}

// numberValue coerces the string and numeric balance renditions.
func numberValue(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case json.Number:
		parsed, err := value.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}
