package main

// launchctl 只負責把 exit code 交給作業系統，所有邏輯在 internal/cli

import (
	"os"

	"github.com/ChuLiYu/relaunchd/internal/cli"
)

func main() {
	os.Exit(cli.RunControl(os.Args[1:], os.Stdout, os.Stderr))
}
