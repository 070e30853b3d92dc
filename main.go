// Command discoveryd runs the opportunity discovery engine.
package main

import "github.com/parjafrica/discovery-engine/cmd"

func main() {
	cmd.Execute()
}
