package main

import "github.com/manenim/redline/cmd/redline/cmd"

func main() {
	cmd.Execute()
}
