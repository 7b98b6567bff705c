package main

import "fwlink/cmd"

func main() {
	cmd.Execute()
}
