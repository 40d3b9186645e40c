package main

import "github.com/xlttj/tunfwd/pkg/cmd"

func main() {
	cmd.Execute()
}
