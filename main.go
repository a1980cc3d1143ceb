package main

import "github.com/yourusername/school-billing/cli"

func main() {
	cli.Execute()
}
