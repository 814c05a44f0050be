package main

import "github.com/lightagent/lightagent/cli"

func main() {
	cli.Execute()
}
