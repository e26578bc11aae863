package main

// ============================================================================
// 職責說明：
// 1. supervisor daemon 入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/relaunchd/internal/cli"
	"github.com/ChuLiYu/relaunchd/internal/manager"
)

// 由 -ldflags "-X main.version=..." 注入
var version = ""

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "launchd: fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if version != "" {
		manager.Version = version
	}

	rootCmd := cli.BuildDaemonCLI()
	rootCmd.Version = manager.Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "launchd: %v\n", err)
		os.Exit(1)
	}
}
