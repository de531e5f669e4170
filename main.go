package main

import "github.com/svenrdz/esg-pull/cmd"

func main() {
	cmd.Execute()
}
