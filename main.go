package main

import "github.com/dorklabs/dorkos/cmd"

func main() {
	cmd.Execute()
}
