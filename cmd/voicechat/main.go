// Command voicechat talks to the assistant from a terminal using the local
// microphone and speaker, and manages stored chats.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
