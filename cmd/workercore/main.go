// Command workercore is the worker core process: it supervises job
// execution requested by a controlling master over a duplex byte stream
// inherited as an open descriptor (see internal/worker/cli).
package main

import (
	"os"

	"github.com/tjper/workercore/internal/worker/cli"
)

func main() {
	os.Exit(cli.Run())
}
