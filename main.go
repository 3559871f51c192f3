/*
Copyright © 2024 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/valri11/proofgate/cmd"

func main() {
	cmd.Execute()
}
