package main

import "github.com/nextlevelbuilder/imbridge/cmd"

func main() {
	cmd.Execute()
}
