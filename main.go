package main

import (
	"github.com/MiraBellierr/jasmine/cmd"
)

func main() {
	cmd.Execute()
}
