package main

import (
	"os"

	"github.com/psantana5/ffbatch/cmd/ffbatch/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
