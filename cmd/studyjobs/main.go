package main

import "github.com/Byk3y/PREPAI-sub003/internal/cli"

func main() {
	cli.Execute()
}
