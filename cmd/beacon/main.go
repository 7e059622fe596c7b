package main

import "github.com/haivu-dev/beacon/internal/cli"

func main() {
	cli.Execute()
}
