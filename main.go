package main

import (
	"log"

	"github.com/crewcall/crewcall/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
