package main

import "github.com/sdcio/dsruntime/client/cmd"

func main() {
	cmd.Execute()
}
