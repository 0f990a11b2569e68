package main

import "github.com/surge-downloader/swarm/cmd"

func main() {
	cmd.Execute()
}
