package main

import "chatpipe/cmd"

func main() {
	cmd.Execute()
}
