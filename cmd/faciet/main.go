package main

import (
	"fmt"
	"os"

	"github.com/faciet/faciet/cmd"
)

func main() {
	if err := cmd.Run(os.Args); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}
