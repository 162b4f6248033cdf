package main

import "github.com/mithril-sec/mithril-proxy/cmd/mithril-proxy/cmd"

func main() {
	cmd.Execute()
}
