package main

import "github.com/Manu343726/gdbstub/cmd"

func main() {
	cmd.Execute()
}
