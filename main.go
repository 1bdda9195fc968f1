package main

import "github.com/swarmlabs/zerg/cmd"

func main() {
	cmd.Execute()
}
