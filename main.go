package main

import "github.com/AvaProtocol/userop-sponsor/cmd"

func main() {
	cmd.Execute()
}
