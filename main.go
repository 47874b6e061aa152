package main

import "github.com/parleyhq/parley/cmd"

func main() {
	cmd.Execute()
}
