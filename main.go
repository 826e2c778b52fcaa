//go:build !test

package main

import (
	"log"

	"github.com/ovmctl/vorchestrator/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
