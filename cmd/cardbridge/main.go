package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ardnew/cardbridge/internal/app"
)

func main() {
	if err := app.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
