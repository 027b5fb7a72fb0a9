package main

import (
	"log"
	"os"

	"example.com/monosecom/services/telemetry/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
