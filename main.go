package main

import "github.com/Perceptus-Labs/sos-scanner/cmd"

func main() {
	cmd.Execute()
}
