package main

import (
	"os"

	"github.com/tourze/qq-connect-oauth2-bundle-sub000/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
