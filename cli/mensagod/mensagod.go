// Executable mensagod is the Mensago trust engine server.
package main

import "github.com/mensago/mensagod/cli/mensagod/internal/cmd"

func main() {
	cmd.Execute()
}
