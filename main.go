package main

import (
	"github.com/warelay/warelay/cmd"
)

func main() {
	cmd.Execute()
}
