package masking

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DonTee-Why/logstack/internal/config"
)

func testEngine(t *testing.T, cfg config.MaskingConfig) *Engine {
	t.Helper()
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func defaultCfg() config.MaskingConfig {
	return config.MaskingConfig{
		BaselineKeys: []string{"password", "token", "authorization", "api_key", "secret", "card_number"},
		PartialRules: map[string]config.PartialRule{
			"authorization": {KeepPrefix: 5},
		},
		TenantOverrides: map[string][]string{},
	}
}

func TestMaskBaselineKey(t *testing.T) {
	e := testEngine(t, defaultCfg())

	out, err := e.Mask(map[string]any{"password": "hunter2", "message": "login ok"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "****", out["password"])
	assert.Equal(t, "login ok", out["message"])
}

func TestMaskCaseInsensitiveAndSubstring(t *testing.T) {
	e := testEngine(t, defaultCfg())

	out, err := e.Mask(map[string]any{
		"PASSWORD":      "x",
		"user_password": "y",
		"credit_card":   "4111111111111111",
	}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "****", out["PASSWORD"])
	assert.Equal(t, "****", out["user_password"])
	assert.Equal(t, "****", out["credit_card"])
}

func TestMaskHeuristicSubstrings(t *testing.T) {
	e := testEngine(t, config.MaskingConfig{})

	out, err := e.Mask(map[string]any{
		"ssn":          "123-45-6789",
		"phone_number": "555-0100",
		"private_note": "do not share",
		"duration_ms":  42,
	}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "****", out["ssn"])
	assert.Equal(t, "****", out["phone_number"])
	assert.Equal(t, "****", out["private_note"])
	assert.Equal(t, 42, out["duration_ms"])
}

func TestMaskNestedAndArrays(t *testing.T) {
	e := testEngine(t, defaultCfg())

	out, err := e.Mask(map[string]any{
		"metadata": map[string]any{
			"api_key": "sk-12345",
			"items":   []any{map[string]any{"secret": "s1"}, "plain"},
		},
	}, "tok")
	require.NoError(t, err)

	meta := out["metadata"].(map[string]any)
	assert.Equal(t, "****", meta["api_key"])
	items := meta["items"].([]any)
	assert.Equal(t, "****", items[0].(map[string]any)["secret"])
	assert.Equal(t, "plain", items[1])
}

func TestMaskDoesNotMutateInput(t *testing.T) {
	e := testEngine(t, defaultCfg())

	in := map[string]any{"password": "hunter2", "nested": map[string]any{"secret": "s"}}
	_, err := e.Mask(in, "tok")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", in["password"])
	assert.Equal(t, "s", in["nested"].(map[string]any)["secret"])
}

func TestFullMaskLongValue(t *testing.T) {
	e := testEngine(t, defaultCfg())

	out, err := e.Mask(map[string]any{"secret": "0123456789abcdef0"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "****[17 chars]", out["secret"])
}

func TestPartialRuleKeepPrefix(t *testing.T) {
	e := testEngine(t, defaultCfg())

	out, err := e.Mask(map[string]any{"authorization": "Bearer abc123"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "Beare****", out["authorization"])

	// Value shorter than the prefix is fully masked.
	out, err = e.Mask(map[string]any{"authorization": "abc"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "****", out["authorization"])
}

func TestPartialRuleKeepSuffix(t *testing.T) {
	cfg := defaultCfg()
	cfg.PartialRules["card_number"] = config.PartialRule{KeepSuffix: 4}
	e := testEngine(t, cfg)

	out, err := e.Mask(map[string]any{"card_number": "4111111111111111"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "****1111", out["card_number"])
}

func TestPartialRuleMaskEmail(t *testing.T) {
	cfg := defaultCfg()
	cfg.PartialRules["email"] = config.PartialRule{MaskEmail: true}
	e := testEngine(t, cfg)

	out, err := e.Mask(map[string]any{"email": "example@email.com"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "e*****e@email.com", out["email"])

	out, err = e.Mask(map[string]any{"email": "ab@email.com"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "****@email.com", out["email"])

	out, err = e.Mask(map[string]any{"email": "not-an-email"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "****", out["email"])
}

func TestTenantOverrides(t *testing.T) {
	cfg := defaultCfg()
	cfg.TenantOverrides = map[string][]string{"tok-a": {"internal_id"}}
	e := testEngine(t, cfg)

	out, err := e.Mask(map[string]any{"internal_id": "i-123"}, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, "****", out["internal_id"])

	// Other tenants are unaffected by tok-a's overrides.
	out, err = e.Mask(map[string]any{"internal_id": "i-123"}, "tok-b")
	require.NoError(t, err)
	assert.Equal(t, "i-123", out["internal_id"])
}

func TestMaskNonStringValues(t *testing.T) {
	e := testEngine(t, defaultCfg())

	out, err := e.Mask(map[string]any{"token": 12345, "secret": true}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "****", out["token"])
	assert.Equal(t, "****", out["secret"])
}

func TestMaskEntriesBatch(t *testing.T) {
	e := testEngine(t, defaultCfg())

	out := e.MaskEntries([]map[string]any{
		{"password": "x", "ok": "yes"},
		{"message": "plain"},
	}, "tok")
	require.Len(t, out, 2)
	assert.Equal(t, "****", out[0]["password"])
	assert.Equal(t, "yes", out[0]["ok"])
	assert.Equal(t, "plain", out[1]["message"])
}
