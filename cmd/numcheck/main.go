package main

import (
	"github.com/joho/godotenv"
)

func main() {
	// Values from .env never override the real environment
	_ = godotenv.Load()

	Execute()
}
