package main

import "github.com/nextlevelbuilder/remotecode/cmd"

func main() {
	cmd.Execute()
}
