package main

import (
	"os"

	"github.com/unipass/backend/internal/cli"
)

func main() {
	os.Exit(cli.Execute(cli.NewRootCommand()))
}
