package main

import (
	"log"

	"github.com/ilnaes/jsonpad/internal"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment")
	}
	internal.Run(internal.ConfigFromEnv())
}
