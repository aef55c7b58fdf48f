package main

import "github.com/notargets/adjointffd/cmd"

func main() {
	cmd.Execute()
}
