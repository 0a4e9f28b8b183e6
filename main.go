package main

import "forgecore/cmd"

func main() {
	cmd.Execute()
}
