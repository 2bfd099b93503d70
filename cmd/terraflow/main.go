// Command terraflow is the CLI entry point for the hydrological terrain
// analysis pipeline: it reads a DEM, runs the fill/breach/d8/flat/accum/
// streams/basin/flowlen chain, and writes whichever outputs were
// requested.
package main

func main() {
	Execute()
}
