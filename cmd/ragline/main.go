package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ragline/ragline"
)

func main() {
	cfg, err := ragline.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := ragline.New(cfg).Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
