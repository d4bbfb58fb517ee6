package main

import (
	"context"
	"fmt"
	"os"

	"sitecache/internal/command"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	app := command.NewApp(os.Stdout)
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
