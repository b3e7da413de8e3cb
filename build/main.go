package main

import (
	"github.com/momiji/chunkable"
)

var Version = "dev"

func main() {
	chunkable.AppVersion = Version
	chunkable.Main()
}
