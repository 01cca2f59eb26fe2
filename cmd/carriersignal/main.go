package main

import (
	"os"

	"horse.fit/carriersignal/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
