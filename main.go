package main

import "github.com/JakeFAU/procurement-harvester/cmd"

func main() {
	cmd.Execute()
}
