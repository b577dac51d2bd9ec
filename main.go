package main

import (
	"log"

	"ci-replicator/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
