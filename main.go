package main

import "trend-pipeline/cmd"

func main() {
	cmd.Execute()
}
