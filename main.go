package main

import "github.com/andresmejia3/deepscan/cmd"

func main() {
	cmd.Execute()
}
