package main

import "github.com/ValentinKolb/kvengine/cmd"

func main() {
	cmd.Execute()
}
