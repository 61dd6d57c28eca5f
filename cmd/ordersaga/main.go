package main

import "github.com/buildtall-systems/ordersaga/internal/cli"

func main() {
	cli.Execute()
}
