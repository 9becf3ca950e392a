package main

import "github.com/kaws-project/kaws/server/cmd"

func main() {
	cmd.Execute()
}
