package main

import (
	"os"

	"github.com/go-rerun/rerun/cmd/rerun/cmds"
)

func main() {
	os.Exit(cmds.Execute())
}
