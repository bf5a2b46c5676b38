package main

import (
	"os"

	"wheelforge/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
