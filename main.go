package main

import "github.com/Yates-Labs/spoilerguard/cmd"

func main() {
	cmd.Execute()
}
