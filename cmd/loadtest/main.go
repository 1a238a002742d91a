// Command loadtest drives the sequent engine with the note domain and
// reports command throughput. Backends are chosen by configuration:
//
//	docker run --net=host nats:latest -js
//	SEQUENT_BROKER_KIND=nats SEQUENT_STORE_KIND=nats loadtest run -n 50000
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
