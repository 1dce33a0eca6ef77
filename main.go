package main

import "github.com/tanq16/mirrorpull/cmd"

func main() {
	cmd.Execute()
}
