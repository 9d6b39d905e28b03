// Command poolq runs queue workers and administers a poolq queue stored in
// redis.
package main

import (
	"os"

	"github.com/poolq/poolq/cmd/poolq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
