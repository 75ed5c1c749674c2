package main

import "github.com/markb/livefeed/cmd"

func main() {
	cmd.Execute()
}
