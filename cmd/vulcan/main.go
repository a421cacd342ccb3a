// Command vulcan builds, trains and inspects multi-input networks.
package main

import "github.com/born-ml/vulcan/internal/cli"

func main() {
	cli.Execute()
}
