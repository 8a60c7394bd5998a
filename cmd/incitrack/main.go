package main

import "github.com/incitrack/incitrack/cmd/incitrack/cmd"

func main() {
	cmd.Execute()
}
