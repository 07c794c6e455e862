package main

import (
	"log"

	indexer "fundvault/services/fundindexer"
)

func main() {
	if err := indexer.Main(); err != nil {
		log.Fatalf("fundindexerd: %v", err)
	}
}
