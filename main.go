package main

import (
	"fmt"
	"os"

	"github.com/sushantsondhi/broker-raft/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
}
