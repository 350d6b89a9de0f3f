// stage is the CLI for managing stagehand-supervised workspace processes.
package main

import (
	"os"

	"github.com/stagehand-dev/stagehand/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
