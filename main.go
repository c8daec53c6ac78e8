// main.go - Application entry point
package main

import "github.com/valpere/tile_packer/cmd"

func main() {
	cmd.Execute()
}
