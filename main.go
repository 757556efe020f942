package main

import "github.com/reddit-diabetes/diabot/cmd"

func main() {
	cmd.Execute()
}
