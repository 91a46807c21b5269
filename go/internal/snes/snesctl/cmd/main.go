package main

import "github.com/voxdev/snesrelay/go/internal/snes/snesctl"

func main() {
	snesctl.Execute()
}
