package main

import "github.com/novahv/dualpe/cmd/pectl/cmd"

func main() {
	cmd.Execute()
}
