package main

import (
	"github.com/shizukutanaka/otedama-sentinel/cmd/sentinel/commands"
)

func main() {
	commands.Execute()
}
