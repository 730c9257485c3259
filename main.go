package main

import "hookinbox/cmd"

func main() {
	cmd.Execute()
}
