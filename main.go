package main

import "github.com/tribridge/tribridge/cmd"

func main() {
	cmd.Execute()
}
