package main

import "github.com/redentordev/acme-dns-hook/cmd"

func main() {
	cmd.Execute()
}
