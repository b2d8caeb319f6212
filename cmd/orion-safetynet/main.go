// Command orion-safetynet keeps a vehicle from descending below a safe
// altitude by commanding a safe flight mode when it does.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
