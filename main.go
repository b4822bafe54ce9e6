package main

import (
	_ "go.uber.org/automaxprocs"

	"docbench/cmd"
)

func main() {
	cmd.Execute()
}
