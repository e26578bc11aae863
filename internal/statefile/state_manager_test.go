package statefile

// ============================================================================
// State Manager 測試檔案
// 職責：驗證 override 的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// TestLoad_Missing 測試首次啟動沒有狀態檔
func TestLoad_Missing(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.Load())

	_, ok := m.Override("svc")
	assert.False(t, ok)
	assert.True(t, m.Disabled("svc", true), "manifest decides without an override")
	assert.False(t, m.Disabled("svc", false))
}

// TestSetEnabled_Persists 測試 override 寫入後可由新的 manager 載入
func TestSetEnabled_Persists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	m := NewManager(dir)
	require.NoError(t, m.SetEnabled("a", false))
	require.NoError(t, m.SetEnabled("b", true))

	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	var onDisk types.StateData
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, SchemaVersion, onDisk.SchemaVersion)
	assert.Equal(t, types.Override{Enabled: false}, onDisk.Overrides["a"])

	reloaded := NewManager(dir)
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Disabled("a", false), "override beats the manifest")
	assert.False(t, reloaded.Disabled("b", true))
}

// TestClear 測試移除 override
func TestClear(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.SetEnabled("a", false))
	require.NoError(t, m.Clear("a"))
	require.NoError(t, m.Clear("never-set"))

	reloaded := NewManager(dir)
	require.NoError(t, reloaded.Load())
	_, ok := reloaded.Override("a")
	assert.False(t, ok)
}

// TestLoad_Errors 測試損壞與版本不相容
func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"corrupted", "{not json", ErrCorrupted},
		{"future version", `{"SchemaVersion": 2, "Overrides": {}}`, ErrIncompatibleVersion},
		{"missing version", `{"Overrides": {}}`, ErrIncompatibleVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0o644))

			m := NewManager(dir)
			require.NoError(t, m.SetEnabled("kept", false))
			require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(tt.content), 0o644))

			err := m.Load()
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, m.Disabled("kept", false), "a failed load keeps the previous overrides")
		})
	}
}

// TestLoad_NullOverrides 測試 Overrides 為 null 的舊檔
func TestLoad_NullOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`{"SchemaVersion": 1, "Overrides": null}`), 0o644))

	m := NewManager(dir)
	require.NoError(t, m.Load())
	require.NoError(t, m.SetEnabled("a", true), "the map is usable after loading null")
}

// TestSetEnabled_WriteFailureRollsBack 測試寫入失敗時記憶體不變
func TestSetEnabled_WriteFailureRollsBack(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	assert.Error(t, m.SetEnabled("a", false))
	_, ok := m.Override("a")
	assert.False(t, ok)
}
