package main

import "github.com/conneroisu/ppo/cmd"

func main() {
	cmd.Execute()
}
