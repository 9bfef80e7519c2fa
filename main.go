package main

import (
	"fmt"
	"os"

	chatline "github.com/putto11262002/chatline/app"
)

func main() {
	app, err := chatline.New(nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	app.Start()
}
