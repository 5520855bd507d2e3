package main

import "aviatordash/internal/cli"

func main() {
	cli.Execute()
}
