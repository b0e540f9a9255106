// Command deskhub runs remote-desktop sessions, decodes their video and
// serves the frames to viewers.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
