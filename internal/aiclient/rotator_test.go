package aiclient

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	keyOne   = "sk-key-one-11111111"
	keyTwo   = "sk-key-two-22222222"
	keyThree = "sk-key-three-333333"
)

func writeKeyFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "keys.txt")
	content := "# key pool\n" + keyOne + "\n\n" + keyTwo + "\n" + keyThree + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestRotator(t *testing.T, dir string, probe func(ctx context.Context, key string) (float64, error)) *KeyRotator {
	t.Helper()
	rotator, err := NewKeyRotator(writeKeyFile(t, dir), filepath.Join(dir, "record.json"), RotatorOptions{
		Threshold: 0.5,
		Probe:     probe,
	})
	require.NoError(t, err)
	return rotator
}

func TestKeyRotatorLoadsKeys(t *testing.T) {
	rotator := newTestRotator(t, t.TempDir(), nil)

	token, err := rotator.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keyOne, token)
}

func TestKeyRotatorRequiresKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte("# nothing here\n\n"), 0o600))

	_, err := NewKeyRotator(path, filepath.Join(dir, "record.json"), RotatorOptions{})
	assert.Error(t, err)
}

func TestKeyRotatorReportBadKeyAdvances(t *testing.T) {
	dir := t.TempDir()
	rotator := newTestRotator(t, dir, nil)

	rotator.ReportBadKey(keyOne)

	token, err := rotator.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keyTwo, token)

	data, err := os.ReadFile(filepath.Join(dir, "record.json"))
	require.NoError(t, err)
	var rec keyRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, keyTwo, rec.Active)
	assert.True(t, rec.Keys[keyOne].Exhausted)
}

func TestKeyRotatorBalanceRotatesBelowThreshold(t *testing.T) {
	balances := map[string]float64{
		keyOne:   0.2,
		keyTwo:   3.0,
		keyThree: 9.0,
	}
	rotator := newTestRotator(t, t.TempDir(), func(_ context.Context, key string) (float64, error) {
		return balances[key], nil
	})

	balance, err := rotator.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3.0, balance)

	token, err := rotator.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keyTwo, token)
}

func TestKeyRotatorRevivesRechargedKeys(t *testing.T) {
	recharged := false
	rotator := newTestRotator(t, t.TempDir(), func(_ context.Context, _ string) (float64, error) {
		if recharged {
			return 5.0, nil
		}
		return 0.1, nil
	})

	_, err := rotator.Balance(context.Background())
	assert.ErrorIs(t, err, ErrKeysExhausted)
	_, err = rotator.Token(context.Background())
	assert.ErrorIs(t, err, ErrKeysExhausted)

	recharged = true
	balance, err := rotator.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5.0, balance)

	token, err := rotator.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keyOne, token)
}

func TestKeyRotatorStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	rotator := newTestRotator(t, dir, nil)
	rotator.ReportBadKey(keyOne)

	reloaded, err := NewKeyRotator(filepath.Join(dir, "keys.txt"), filepath.Join(dir, "record.json"), RotatorOptions{Threshold: 0.5})
	require.NoError(t, err)

	token, err := reloaded.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keyTwo, token)
}

func TestKeyRotatorDropsKeysRemovedFromPool(t *testing.T) {
	dir := t.TempDir()
	rotator := newTestRotator(t, dir, nil)
	rotator.ReportBadKey(keyOne)

	// The pool shrinks to one key that the old record knows nothing of.
	keysFile := filepath.Join(dir, "keys.txt")
	require.NoError(t, os.WriteFile(keysFile, []byte(keyThree+"\n"), 0o600))

	reloaded, err := NewKeyRotator(keysFile, filepath.Join(dir, "record.json"), RotatorOptions{Threshold: 0.5})
	require.NoError(t, err)

	token, err := reloaded.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keyThree, token)
}

func TestKeyRotatorJournalsKeyStates(t *testing.T) {
	dir := t.TempDir()
	ledger, err := OpenLedger(filepath.Join(dir, "usage.db"))
	require.NoError(t, err)
	defer func() { _ = ledger.Close() }()

	rotator, err := NewKeyRotator(writeKeyFile(t, dir), filepath.Join(dir, "record.json"), RotatorOptions{
		Threshold: 0.5,
		Ledger:    ledger,
		Owner:     "outer-client",
	})
	require.NoError(t, err)

	rotator.ReportBadKey(keyOne)

	rows, err := ledger.KeyStates(context.Background(), "outer-client")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, tokenHint(keyOne), rows[0].KeyHint)
	assert.Equal(t, "exhausted", rows[0].State)
}
