package main

import "github.com/encodeous/dockmesh/cmd"

func main() {
	cmd.Execute()
}
