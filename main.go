package main

import "github.com/wanglei99999/ai-agent-learning/cmd"

func main() {
	cmd.Execute()
}
