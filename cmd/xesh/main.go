// Command xesh hosts the extension message bridge.
package main

import (
	"os"

	"github.com/joeycumines/xwalk-bridge/internal/command"
)

const version = "0.1.0"

func main() {
	os.Exit(command.Execute(version))
}
