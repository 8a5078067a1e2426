package main

import (
	"os"

	"stepflow/internal/app"
)

func main() {
	if err := app.Run(app.Extensions{}); err != nil {
		os.Exit(1)
	}
}
