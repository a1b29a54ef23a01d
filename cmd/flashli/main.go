package main

import (
	"os"

	"github.com/protectli/flashli/cmd/flashli/app"
)

func main() {
	if err := app.NewFlashliCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
