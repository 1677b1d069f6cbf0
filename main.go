package main

import "gitasahayak/cmd"

func main() {
	cmd.Execute()
}
