package main

import (
	"log"

	"refwallet/services/commissiond"
)

func main() {
	if err := commissiond.Main(); err != nil {
		log.Fatalf("commissiond: %v", err)
	}
}
