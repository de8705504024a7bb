// Voice agent server: onboarding interviews, agent chat and speech.
package main

import (
	"os"

	"github.com/ashureev/voice-agent/internal/cli"
)

func main() {
	os.Exit(cli.Execute(cli.NewRootCmd()))
}
