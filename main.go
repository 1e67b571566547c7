package main

import (
	"fmt"
	"os"

	"github.com/katasec/dstream-orchestrator/mssql"
)

var version = "dev"

func main() {
	if err := mssql.NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
