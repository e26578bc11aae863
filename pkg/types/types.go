// Package types holds the value types shared by the relaunchd daemon and
// its control client.
package types

import (
	"errors"
	"fmt"
)

// Label 任務唯一識別碼，整個系統以它作為 job 的主鍵
type Label string

// JobState 任務執行狀態
type JobState string

// 定義任務狀態常數
const (
	StateLoaded     JobState = "loaded"     // 描述已載入，尚未啟動
	StateActivating JobState = "activating" // socket 已綁定並註冊，等待第一個連線
	StateRunning    JobState = "running"    // 行程已啟動
	StateStopping   JobState = "stopping"   // 已送出終止訊號，等待行程結束
	StateStopped    JobState = "stopped"    // 行程已結束
	StateDisabled   JobState = "disabled"   // 不參與自動啟動
)

// ErrResource marks socket, bind, listen and spawn failures. Errors of this
// kind leave the affected job in its prior state.
var ErrResource = errors.New("resource error")

// ExitStatus 行程結束狀態
//
// Code is the exit code for a normal exit and -1 when the process was
// terminated by a signal, in which case Signal holds the signal number.
type ExitStatus struct {
	Code   int `json:"code"`
	Signal int `json:"signal,omitempty"`
}

// String formats the status the way `launchctl list` shows it.
func (s ExitStatus) String() string {
	if s.Signal != 0 {
		return fmt.Sprintf("-%d", s.Signal)
	}
	return fmt.Sprintf("%d", s.Code)
}

// JobSummary 任務摘要，由 list / dump 回傳
type JobSummary struct {
	Label          Label    `json:"Label"`
	PID            int      `json:"PID"` // 0 表示沒有行程
	State          JobState `json:"State"`
	LastExitStatus int      `json:"LastExitStatus"`
	Generation     uint64   `json:"Generation"`
}

// Override 使用者對單一 job 的持久化設定
type Override struct {
	Enabled bool `json:"Enabled"`
}

// StateData 持久化狀態檔內容（state.json）
type StateData struct {
	SchemaVersion int                `json:"SchemaVersion"`
	Overrides     map[Label]Override `json:"Overrides"`
}
