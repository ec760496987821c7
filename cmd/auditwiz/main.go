package main

import "github.com/Levelup666/AuditWiz/cmd/auditwiz/cmd"

func main() {
	cmd.Execute()
}
