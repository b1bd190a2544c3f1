// Command voicerag runs the voice RAG middle tier and a headless voice
// client for it.
//
// Usage:
//
//	voicerag [flags] <command>
//
// Commands:
//
//	relay - serve the realtime middle tier on /realtime
//	talk  - talk to a running middle tier through the default audio device
//
// Configuration is read from an optional YAML file (--config), a .env file
// outside production and AZURE_* / VOICERAG_* environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/koscakluka/ema-voicerag/cmd/voicerag/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
