package statefile

// ============================================================================
// 職責說明：
// 1. 將使用者的 enable / disable override 持久化到 state.json
// 2. 使用 renameio 原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 重新載入 manifest 時決定 job 是否停用
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// SchemaVersion 目前的狀態檔版本
const SchemaVersion = 1

// FileName 狀態檔名稱
const FileName = "state.json"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorrupted           = errors.New("state file is corrupted")
	ErrIncompatibleVersion = errors.New("state file schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 狀態檔管理器，記憶體中保留一份 overrides
type Manager struct {
	path string
	mu   sync.Mutex
	data types.StateData
}

// NewManager 建立狀態檔管理器；dir 為 domain 的 state 目錄
func NewManager(dir string) *Manager {
	return &Manager{
		path: filepath.Join(dir, FileName),
		data: empty(),
	}
}

// Path 取得狀態檔路徑
func (m *Manager) Path() string {
	return m.path
}

// Load 載入狀態檔
//
// 行為：
//   - 如果檔案不存在，使用空的 overrides（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的狀態檔；失敗時記憶體內容不變
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		m.data = empty()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var data types.StateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if data.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVersion, SchemaVersion)
	}
	if data.Overrides == nil {
		data.Overrides = make(map[types.Label]types.Override)
	}
	m.data = data
	return nil
}

// Override 回傳 label 的 override；沒有設定時 ok 為 false
func (m *Manager) Override(label types.Label) (types.Override, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.data.Overrides[label]
	return o, ok
}

// Disabled 決定 job 載入時是否停用：override 優先於 manifest 的 Disabled
func (m *Manager) Disabled(label types.Label, manifestDisabled bool) bool {
	if o, ok := m.Override(label); ok {
		return !o.Enabled
	}
	return manifestDisabled
}

// SetEnabled 記錄 override 並原子性寫入
func (m *Manager) SetEnabled(label types.Label, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, had := m.data.Overrides[label]
	m.data.Overrides[label] = types.Override{Enabled: enabled}
	if err := m.write(); err != nil {
		if had {
			m.data.Overrides[label] = prev
		} else {
			delete(m.data.Overrides, label)
		}
		return err
	}
	return nil
}

// Clear 移除 label 的 override
func (m *Manager) Clear(label types.Label) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, had := m.data.Overrides[label]
	if !had {
		return nil
	}
	delete(m.data.Overrides, label)
	if err := m.write(); err != nil {
		m.data.Overrides[label] = prev
		return err
	}
	return nil
}

// write 原子性寫入；呼叫者必須持有 mu
func (m *Manager) write() error {
	m.data.SchemaVersion = SchemaVersion

	// 帶縮排，方便人工閱讀與除錯
	raw, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := renameio.WriteFile(m.path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

func empty() types.StateData {
	return types.StateData{
		SchemaVersion: SchemaVersion,
		Overrides:     make(map[types.Label]types.Override),
	}
}
