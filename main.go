package main

import "github.com/isdelr/backupsync/internal/cli"

func main() {
	cli.Execute()
}
