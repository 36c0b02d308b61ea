// Hiring Assistant - terminal interview client
package main

import "github.com/ashureev/hiring-assistant/internal/cli"

func main() {
	cli.Execute()
}
