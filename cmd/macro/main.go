package main

import (
	"os"

	"github.com/wonny/aegis-macro/backend/cmd/macro/commands"
)

// main is the entry point for the macro CLI
// ⭐ 통합 CLI 진입점: go run ./cmd/macro [command]
func main() {
	os.Exit(commands.Execute())
}
