package main

import "github.com/s-age/takt/cmd"

func main() {
	cmd.Execute()
}
