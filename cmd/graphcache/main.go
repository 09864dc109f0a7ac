// Command graphcache inspects normalized store snapshots and fills them
// from a GraphQL endpoint.
package main

import (
	"log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}
