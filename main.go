package main

import (
	_ "time/tzdata"

	"reuni-scraper/cli"
)

func main() {
	cli.Execute()
}
