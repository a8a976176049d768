package main

import "github.com/rand/relay/internal/cmd"

func main() {
	cmd.Execute()
}
