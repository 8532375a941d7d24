package main

import "github.com/openclaw/ccbox-relay/cmd"

func main() {
	cmd.Execute()
}
